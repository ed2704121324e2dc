// internal/model/campaign.go
package model

import (
	"strings"
	"time"
)

// Channel is the medium a step or attempt uses to reach a contact.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// ParseChannel normalizes a provider supplied channel name. Unknown values
// fall back to voice, which is what the call log collectors stage.
func ParseChannel(s string) Channel {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelSMS:
		return ChannelSMS
	case ChannelEmail:
		return ChannelEmail
	default:
		return ChannelVoice
	}
}

type Campaign struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Steps     []Step    `db:"-" json:"steps,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Step is one ordered stage of a campaign, bound to a single channel.
type Step struct {
	ID          string        `db:"id" json:"id"`
	CampaignID  string        `db:"campaign_id" json:"campaign_id"`
	OrderIndex  int           `db:"order_index" json:"order_index"`
	Channel     Channel       `db:"channel" json:"channel"`
	Delay       time.Duration `db:"delay_ms" json:"delay"`
	RetryLimit  int           `db:"retry_limit" json:"retry_limit"`
	TemplateRef string        `db:"template_ref" json:"template_ref,omitempty"`
}
