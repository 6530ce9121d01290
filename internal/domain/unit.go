package domain

import "time"

// UnitKind classifies an inbound unit.
type UnitKind string

const (
	KindText  UnitKind = "text"
	KindImage UnitKind = "image"
	KindVideo UnitKind = "video"
)

// Valid reports whether k is a known unit kind.
func (k UnitKind) Valid() bool {
	return k == KindText || k == KindImage || k == KindVideo
}

// InboundUnit is one normalized message received from a channel.
// Immutable once created; Payload holds the text content for text units
// or a fetchable media reference for image/video units.
type InboundUnit struct {
	ID         string
	UserID     string
	Kind       UnitKind
	Payload    string
	ReceivedAt time.Time

	// Routing metadata so the terminal notification can reach the sender.
	Channel string
	ChatID  string
}

func (u InboundUnit) IsMedia() bool {
	return u.Kind == KindImage || u.Kind == KindVideo
}

// UserBatch is the ordered burst of units collected for one user during a
// debounce window. The aggregation buffer owns a batch exclusively until
// flush; after flush it is never mutated again.
type UserBatch struct {
	UserID         string
	Units          []InboundUnit
	CreatedAt      time.Time
	LastExtendedAt time.Time
}

func (b UserBatch) HasMedia() bool {
	for _, u := range b.Units {
		if u.IsMedia() {
			return true
		}
	}
	return false
}

// MediaUnits returns the image and video units in arrival order.
func (b UserBatch) MediaUnits() []InboundUnit {
	var media []InboundUnit
	for _, u := range b.Units {
		if u.IsMedia() {
			media = append(media, u)
		}
	}
	return media
}

// TextUnits returns the text units in arrival order.
func (b UserBatch) TextUnits() []InboundUnit {
	var texts []InboundUnit
	for _, u := range b.Units {
		if u.Kind == KindText {
			texts = append(texts, u)
		}
	}
	return texts
}

// Counts returns the per-kind unit counts, logged at flush time.
func (b UserBatch) Counts() (text, image, video int) {
	for _, u := range b.Units {
		switch u.Kind {
		case KindText:
			text++
		case KindImage:
			image++
		case KindVideo:
			video++
		}
	}
	return text, image, video
}

// ReplyRoute returns the channel and chat the terminal notification should
// be delivered to. The last unit wins; all units of one batch normally share
// the same route.
func (b UserBatch) ReplyRoute() (channel, chatID string) {
	if len(b.Units) == 0 {
		return "", ""
	}
	last := b.Units[len(b.Units)-1]
	return last.Channel, last.ChatID
}
