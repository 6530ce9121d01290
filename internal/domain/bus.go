package domain

// OutboundMessage is a channel-bound delivery, used for terminal
// notifications.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown | html
}

// MessageBus routes inbound units from channels to the aggregation buffer and
// outbound notifications back to channels.
type MessageBus interface {
	Publish(unit InboundUnit)
	Subscribe() <-chan InboundUnit
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
