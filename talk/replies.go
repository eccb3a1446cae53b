package talk

import (
	"strings"
)

// Reply identifies a protocol reply independent of its wire format. The
// core only ever supplies a Reply plus positional arguments; rendering
// the literal reply text is the Formatter's business.
type Reply int

const (
	RplWelcome Reply = iota
	RplYourHost
	RplAway
	RplUnaway
	RplNowAway
	RplWhoisUser
	RplWhoisServer
	RplWhoisOperator
	RplEndOfWhois
	RplWhoisChannels
	RplListStart
	RplList
	RplListEnd
	RplChannelModeIs
	RplNoTopic
	RplTopic
	RplInviting
	RplTime
	RplAdminMe
	RplAdminEmail
	RplNamReply
	RplBanList
	RplEndOfBanList
	RplEndOfNames
	RplYoureOper

	ErrUnknownError
	ErrNoSuchNick
	ErrNoSuchChannel
	ErrCannotSendToChan
	ErrTooManyChannels
	ErrUnknownCommand
	ErrFileError
	ErrNoNicknameGiven
	ErrErroneusNickname
	ErrNicknameInUse
	ErrUserNotInChannel
	ErrNotOnChannel
	ErrUserOnChannel
	ErrNotRegistered
	ErrNeedMoreParams
	ErrAlreadyRegistered
	ErrPasswdMismatch
	ErrKeySet
	ErrChannelIsFull
	ErrUnknownMode
	ErrInviteOnlyChan
	ErrBannedFromChan
	ErrBadChannelKey
	ErrBanListFull
	ErrNoPrivileges
	ErrChanOpPrivsNeeded
	ErrRestricted
	ErrUsersDontMatch
)

// replyCodes maps replies to their traditional 3-digit wire codes. The
// full textual catalog lives in the external Formatter; these codes are
// only what the default rendering stamps on each line.
var replyCodes = map[Reply]string{
	RplWelcome:           "001",
	RplYourHost:          "002",
	RplAway:              "301",
	RplUnaway:            "305",
	RplNowAway:           "306",
	RplWhoisUser:         "311",
	RplWhoisServer:       "312",
	RplWhoisOperator:     "313",
	RplEndOfWhois:        "318",
	RplWhoisChannels:     "319",
	RplListStart:         "321",
	RplList:              "322",
	RplListEnd:           "323",
	RplChannelModeIs:     "324",
	RplNoTopic:           "331",
	RplTopic:             "332",
	RplInviting:          "341",
	RplTime:              "391",
	RplAdminMe:           "256",
	RplAdminEmail:        "259",
	RplNamReply:          "353",
	RplBanList:           "367",
	RplEndOfBanList:      "368",
	RplEndOfNames:        "366",
	RplYoureOper:         "381",
	ErrUnknownError:      "400",
	ErrNoSuchNick:        "401",
	ErrNoSuchChannel:     "403",
	ErrCannotSendToChan:  "404",
	ErrTooManyChannels:   "405",
	ErrUnknownCommand:    "421",
	ErrFileError:         "424",
	ErrNoNicknameGiven:   "431",
	ErrErroneusNickname:  "432",
	ErrNicknameInUse:     "433",
	ErrUserNotInChannel:  "441",
	ErrNotOnChannel:      "442",
	ErrUserOnChannel:     "443",
	ErrNotRegistered:     "451",
	ErrNeedMoreParams:    "461",
	ErrAlreadyRegistered: "462",
	ErrPasswdMismatch:    "464",
	ErrKeySet:            "467",
	ErrChannelIsFull:     "471",
	ErrUnknownMode:       "472",
	ErrInviteOnlyChan:    "473",
	ErrBannedFromChan:    "474",
	ErrBadChannelKey:     "475",
	ErrBanListFull:       "478",
	ErrNoPrivileges:      "481",
	ErrChanOpPrivsNeeded: "482",
	ErrRestricted:        "484",
	ErrUsersDontMatch:    "502",
}

// Code returns the traditional wire code for the reply.
func (r Reply) Code() string {
	if code, ok := replyCodes[r]; ok {
		return code
	}
	return "500"
}

// Formatter renders a reply identifier plus positional arguments into a
// single outbound line. The full reply-text catalog is an external
// collaborator; the server core never constructs literal reply text.
type Formatter interface {
	Format(serverName, target string, reply Reply, args ...string) string
}

// codeFormatter is the built-in Formatter: it stamps the reply's wire
// code and joins the arguments, colon-prefixing the final argument when
// it contains spaces or is empty.
type codeFormatter struct{}

// NewCodeFormatter returns the built-in Formatter.
func NewCodeFormatter() Formatter {
	return codeFormatter{}
}

func (codeFormatter) Format(serverName, target string, reply Reply, args ...string) string {
	var sb strings.Builder

	sb.WriteString(":")
	sb.WriteString(serverName)
	sb.WriteString(" ")
	sb.WriteString(reply.Code())
	sb.WriteString(" ")

	if target == "" {
		target = "*"
	}
	sb.WriteString(target)

	for i, arg := range args {
		sb.WriteString(" ")
		if i == len(args)-1 && (strings.Contains(arg, " ") || arg == "") {
			sb.WriteString(":")
		}
		sb.WriteString(arg)
	}

	return sb.String()
}
