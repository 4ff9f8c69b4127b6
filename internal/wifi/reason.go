package wifi

import (
	"errors"
	"fmt"
)

// Reason is an 802.11 disconnect reason code, extended with the
// driver-level codes 200 and up.
type Reason uint8

// Disconnect reasons.
const (
	ReasonUnspecified           Reason = 1
	ReasonAuthExpire            Reason = 2
	ReasonAuthLeave             Reason = 3
	ReasonAssocExpire           Reason = 4
	ReasonAssocTooMany          Reason = 5
	ReasonNotAuthed             Reason = 6
	ReasonNotAssoced            Reason = 7
	ReasonAssocLeave            Reason = 8
	ReasonAssocNotAuthed        Reason = 9
	ReasonDisassocPwrcapBad     Reason = 10
	ReasonDisassocSupchanBad    Reason = 11
	ReasonIEInvalid             Reason = 13
	ReasonMICFailure            Reason = 14
	Reason4WayHandshakeTimeout  Reason = 15
	ReasonGroupKeyUpdateTimeout Reason = 16
	ReasonIEIn4WayDiffers       Reason = 17
	ReasonGroupCipherInvalid    Reason = 18
	ReasonPairwiseCipherInvalid Reason = 19
	ReasonAKMPInvalid           Reason = 20
	ReasonUnsuppRSNIEVersion    Reason = 21
	ReasonInvalidRSNIECap       Reason = 22
	Reason8021XAuthFailed       Reason = 23
	ReasonCipherSuiteRejected   Reason = 24
	ReasonBeaconTimeout         Reason = 200
	ReasonNoAPFound             Reason = 201
	ReasonAuthFail              Reason = 202
	ReasonAssocFail             Reason = 203
	ReasonHandshakeTimeout      Reason = 204
	ReasonConnectionFail        Reason = 205
)

var reasonText = map[Reason]string{
	ReasonUnspecified:           "unspecified",
	ReasonAuthExpire:            "authentication expired",
	ReasonAuthLeave:             "deauthenticated, station leaving",
	ReasonAssocExpire:           "association expired",
	ReasonAssocTooMany:          "AP has too many associated stations",
	ReasonNotAuthed:             "not authenticated",
	ReasonNotAssoced:            "not associated",
	ReasonAssocLeave:            "disassociated, station leaving",
	ReasonAssocNotAuthed:        "association request before authentication",
	ReasonDisassocPwrcapBad:     "power capability unacceptable",
	ReasonDisassocSupchanBad:    "supported channels unacceptable",
	ReasonIEInvalid:             "invalid information element",
	ReasonMICFailure:            "message integrity check failure",
	Reason4WayHandshakeTimeout:  "4-way handshake timeout (wrong password?)",
	ReasonGroupKeyUpdateTimeout: "group key update timeout",
	ReasonIEIn4WayDiffers:       "information element in 4-way handshake differs",
	ReasonGroupCipherInvalid:    "invalid group cipher",
	ReasonPairwiseCipherInvalid: "invalid pairwise cipher",
	ReasonAKMPInvalid:           "invalid AKMP",
	ReasonUnsuppRSNIEVersion:    "unsupported RSN IE version",
	ReasonInvalidRSNIECap:       "invalid RSN IE capabilities",
	Reason8021XAuthFailed:       "802.1X authentication failed",
	ReasonCipherSuiteRejected:   "cipher suite rejected",
	ReasonBeaconTimeout:         "beacon timeout",
	ReasonNoAPFound:             "no AP found (SSID down or misspelled?)",
	ReasonAuthFail:              "authentication failed (wrong password?)",
	ReasonAssocFail:             "association failed",
	ReasonHandshakeTimeout:      "handshake timeout (wrong password?)",
	ReasonConnectionFail:        "connection failed, no specific cause",
}

// String returns a human-readable description of the reason.
func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown reason %d", uint8(r))
}

// Disconnect causes. A [DisconnectError] matches exactly one of these
// with [errors.Is]. The grouping is for diagnostics; the supervisor's
// retry policy does not look at it.
var (
	ErrAuthExpired       = errors.New("wifi: authentication expired")
	ErrHandshakeTimeout  = errors.New("wifi: handshake timeout")
	ErrAPNotFound        = errors.New("wifi: access point not found")
	ErrAuthFailed        = errors.New("wifi: authentication failed")
	ErrAssociationFailed = errors.New("wifi: association failed")
	ErrBeaconTimeout     = errors.New("wifi: beacon timeout")
	ErrSecurityMismatch  = errors.New("wifi: security parameters rejected")
	ErrConnectionFailed  = errors.New("wifi: connection failed")
)

// Err returns the sentinel the reason belongs to.
func (r Reason) Err() error {
	switch r {
	case ReasonAuthExpire:
		return ErrAuthExpired
	case Reason4WayHandshakeTimeout, ReasonGroupKeyUpdateTimeout, ReasonHandshakeTimeout:
		return ErrHandshakeTimeout
	case ReasonNoAPFound:
		return ErrAPNotFound
	case ReasonAuthFail, ReasonNotAuthed, ReasonAssocNotAuthed, Reason8021XAuthFailed:
		return ErrAuthFailed
	case ReasonAssocExpire, ReasonAssocTooMany, ReasonNotAssoced, ReasonAssocFail:
		return ErrAssociationFailed
	case ReasonBeaconTimeout:
		return ErrBeaconTimeout
	case ReasonIEInvalid, ReasonMICFailure, ReasonIEIn4WayDiffers,
		ReasonGroupCipherInvalid, ReasonPairwiseCipherInvalid, ReasonAKMPInvalid,
		ReasonUnsuppRSNIEVersion, ReasonInvalidRSNIECap, ReasonCipherSuiteRejected:
		return ErrSecurityMismatch
	default:
		return ErrConnectionFailed
	}
}

// DisconnectError describes one link loss.
type DisconnectError struct {
	Reason Reason
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("wifi disconnected: %s (reason %d)", e.Reason, uint8(e.Reason))
}

func (e *DisconnectError) Unwrap() error {
	return e.Reason.Err()
}
