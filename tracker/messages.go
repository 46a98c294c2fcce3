package tracker

import (
	"fmt"

	"github.com/onnwee/livewatch/backend/delivery"
	"github.com/onnwee/livewatch/backend/live"
)

// Recipient id prefixes recorded in LiveSession.NotifiedRecipientIDs.
const (
	recipientChannel = "channel:"
	recipientUser    = "user:"
)

// ChannelMessage is the community announcement for a session that just went live.
func ChannelMessage(s live.LiveSession) delivery.Message {
	body := fmt.Sprintf("%s is live on %s", displayName(s), s.Platform.Label())
	if s.Title != "" {
		body += ": " + s.Title
	}
	return message(s, body)
}

// DirectMessage is the personal notice sent to each subscriber.
func DirectMessage(s live.LiveSession) delivery.Message {
	body := fmt.Sprintf("%s, whom you follow, just went live on %s", displayName(s), s.Platform.Label())
	if s.Title != "" {
		body += ` with "` + s.Title + `"`
	}
	return message(s, body)
}

func message(s live.LiveSession, body string) delivery.Message {
	return delivery.Message{
		Platform:   s.Platform,
		LiveKey:    s.LiveKey,
		MemberName: s.MemberName,
		Title:      s.Title,
		Body:       body,
		URL:        s.URL,
		Image:      s.Image,
	}
}

func displayName(s live.LiveSession) string {
	if s.MemberName != "" {
		return s.MemberName
	}
	return s.ExternalID
}
