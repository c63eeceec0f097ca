package store

import "fmt"

// Key layout. Message keys sort by timestamp then sequence so a prefix
// iteration yields messages oldest-first; the sequence disambiguates
// appends that land on the same nanosecond.
//
//	conv:<convID>:meta
//	conv:<convID>:msg:<unix_nano_padded>-<seq_padded>
//	user:<userID>
//	auth:cred:<username>
//	auth:revoked:<tokenID>

const (
	convPrefix    = "conv:"
	userPrefix    = "user:"
	credPrefix    = "auth:cred:"
	revokedPrefix = "auth:revoked:"
)

// ConversationsCollection is the watch prefix covering every conversation
// metadata record.
const ConversationsCollection = convPrefix

func convMetaKey(convID string) string {
	return convPrefix + convID + ":meta"
}

func convMsgPrefix(convID string) string {
	return convPrefix + convID + ":msg:"
}

// MessagesCollection returns the watch prefix for one conversation's
// message log.
func MessagesCollection(convID string) string {
	return convMsgPrefix(convID)
}

func msgKey(convID string, ts int64, seq uint64) string {
	return fmt.Sprintf("%s%020d-%06d", convMsgPrefix(convID), ts, seq)
}

func userKey(userID string) string   { return userPrefix + userID }
func credKey(username string) string { return credPrefix + username }

// RevokedTokenKey is exported for the purge runner, which scans the
// revocation namespace.
func RevokedTokenKey(tokenID string) string { return revokedPrefix + tokenID }
