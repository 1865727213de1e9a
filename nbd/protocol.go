package nbd

const (
	nbdMagic      = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic      = 0x49484156454F5054 // "IHAVEOPT"
	optReplyMagic = 0x3e889045565a9
	requestMagic  = 0x25609513
	replyMagic    = 0x67446698
)

// handshake flags, sent by the server and echoed by the client
const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
)

const (
	optExportName = 1
	optAbort      = 2
	optInfo       = 6
	optGo         = 7
)

const (
	repAck        = 1
	repInfo       = 3
	repErrUnsup   = 1<<31 + 1
	repErrInvalid = 1<<31 + 3
	repErrUnknown = 1<<31 + 6
)

const infoExport = 0

const (
	transHasFlags  = 1 << 0
	transSendFlush = 1 << 2
	transSendTrim  = 1 << 5

	transmissionFlags = transHasFlags | transSendFlush | transSendTrim
)

const (
	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3
	cmdTrim  = 4
)

// errno values carried in simple replies
const (
	errIO    = 5
	errInval = 22
)

const (
	maxOptionLength = 64 << 10
	maxPayload      = 32 << 20
)
