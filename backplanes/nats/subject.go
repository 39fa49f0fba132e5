package nats

import "strings"

// subjectFor builds the NATS subject for a deployment channel. Characters
// with token meaning in NATS subjects are replaced so an arbitrary channel
// name cannot widen the subscription.
func subjectFor(channel string) string {
	if channel == "" {
		return "relay.frames"
	}
	return "relay.frames." + sanitizeToken(channel)
}

func sanitizeToken(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		switch r {
		case '.', '*', '>', ' ':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
