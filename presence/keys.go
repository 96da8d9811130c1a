package presence

import "fmt"

// Key layout per canvas:
// - membersKey(canvas): ZSet<userId, expireAtUnix>, score is the expiry
// - namesKey(canvas):   Hash<userId -> display name>

const (
	keyMembersFmt = "shapesync:presence:{canvas:%s}"
	keyNamesFmt   = "shapesync:presence:names:{canvas:%s}"
)

func membersKey(canvas string) string { return fmt.Sprintf(keyMembersFmt, canvas) }
func namesKey(canvas string) string   { return fmt.Sprintf(keyNamesFmt, canvas) }
