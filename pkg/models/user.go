package models

import "time"

// OnlineWindow is how recently a user must have been seen to count as
// online.
const OnlineWindow = 5 * time.Minute

// User is the profile document referenced by conversations. The password
// hash is kept out of this struct; it lives in a separate credentials
// record so profile reads never carry it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	PhotoURL string `json:"photo_url,omitempty"`
	// LastSeen is a server-assigned timestamp (ns) updated on sign-in.
	LastSeen int64 `json:"last_seen"`
	// DeviceToken is the push-notification token registered for this
	// user's current device, if any. Delivery is handled elsewhere.
	DeviceToken string `json:"device_token,omitempty"`
}

// Online derives presence from LastSeen.
func (u User) Online(now time.Time) bool {
	if u.LastSeen == 0 {
		return false
	}
	return now.Sub(time.Unix(0, u.LastSeen)) < OnlineWindow
}
