// Package milter implements the wire side of the milter mail-filter
// protocol: OPTNEG negotiation, the per-connection command stream, and the
// modification actions a [Host] can queue once a message reaches
// end-of-body. See spec.md §4 for the protocol this package speaks.
package milter

// OptAction is a bitmask of SMFIF_* flags: the modification actions a milter
// declares during OPTNEG. See [ActionsMask] for the set this server requests
// by default.
type OptAction uint32

const (
	OptAddHeader       OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody      OptAction = 1 << 1 // SMFIF_CHGBODY / SMFIF_MODBODY
	OptAddRcpt         OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt      OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader    OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine      OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom      OptAction = 1 << 6 // SMFIF_CHGFROM, protocol v6+
	OptAddRcptWithArgs OptAction = 1 << 7 // SMFIF_ADDRCPT_PAR, protocol v6+
	OptSetMacros       OptAction = 1 << 8 // SMFIF_SETSYMLIST, protocol v6+
)

// OptProtocol is a bitmask of SMFIP_* flags: the parts of the SMTP
// transaction (or reply traffic) the MTA should skip.
type OptProtocol uint32

const (
	OptNoConnect      OptProtocol = 1 << 0  // SMFIP_NOCONNECT
	OptNoHelo         OptProtocol = 1 << 1  // SMFIP_NOHELO
	OptNoMailFrom     OptProtocol = 1 << 2  // SMFIP_NOMAIL
	OptNoRcptTo       OptProtocol = 1 << 3  // SMFIP_NORCPT
	OptNoBody         OptProtocol = 1 << 4  // SMFIP_NOBODY
	OptNoHeaders      OptProtocol = 1 << 5  // SMFIP_NOHDRS
	OptNoEOH          OptProtocol = 1 << 6  // SMFIP_NOEOH
	OptNoHeaderReply  OptProtocol = 1 << 7  // SMFIP_NR_HDR / SMFIP_NOHREPL
	OptNoUnknown      OptProtocol = 1 << 8  // SMFIP_NOUNKNOWN
	OptNoData         OptProtocol = 1 << 9  // SMFIP_NODATA
	OptSkip           OptProtocol = 1 << 10 // SMFIP_SKIP, protocol v6+
	OptRcptRej        OptProtocol = 1 << 11 // SMFIP_RCPT_REJ, protocol v6+
	OptNoConnReply    OptProtocol = 1 << 12 // SMFIP_NR_CONN, protocol v6+
	OptNoHeloReply    OptProtocol = 1 << 13 // SMFIP_NR_HELO, protocol v6+
	OptNoMailReply    OptProtocol = 1 << 14 // SMFIP_NR_MAIL, protocol v6+
	OptNoRcptReply    OptProtocol = 1 << 15 // SMFIP_NR_RCPT, protocol v6+
	OptNoDataReply    OptProtocol = 1 << 16 // SMFIP_NR_DATA, protocol v6+
	OptNoUnknownReply OptProtocol = 1 << 17 // SMFIP_NR_UNKN, protocol v6+
	OptNoEOHReply     OptProtocol = 1 << 18 // SMFIP_NR_EOH, protocol v6+
	OptNoBodyReply    OptProtocol = 1 << 19 // SMFIP_NR_BODY, protocol v6+

	// OptHeaderLeadingSpace asks the MTA not to swallow the single space
	// Sendmail eats after a header's colon (so "Subject:  x" arrives as
	// value " x", not "x"). DKIM signers care about this. SMFIP_HDR_LEADSPC,
	// protocol v6+.
	OptHeaderLeadingSpace OptProtocol = 1 << 20
)

// OptNoReplies is every "don't bother sending a per-command reply" flag,
// appropriate when a [Host] only decides accept/reject from [Host.Finish].
const OptNoReplies OptProtocol = OptNoHeaderReply | OptNoConnReply | OptNoHeloReply |
	OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply |
	OptNoEOHReply | OptNoBodyReply

// optMds256K/optMds1M are the high bits of the protocol mask that milter
// peers use to negotiate a larger [DataSize]; optInternal is their union
// plus a reserved bit. This package's OPTNEG handling neither sends nor
// reads them: the data size comes from [WithUsedMaxData].
const (
	optMds256K  uint32 = 1 << 28
	optMds1M    uint32 = 1 << 29
	optInternal        = optMds256K | optMds1M | 1<<30
)

// DataSize is the largest single chunk a milter peer will send or accept in
// one packet (excluding the one-byte command code). The protocol only
// defines these three sizes.
type DataSize uint32

const (
	DataSize64K  DataSize = 1024*64 - 1
	DataSize256K DataSize = 1024*256 - 1
	DataSize1M   DataSize = 1024*1024 - 1
)

// ProtoFamily identifies the address family of a CONNECT command's socket,
// per SMFIA_* in sendmail's libmilter.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'S' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)
