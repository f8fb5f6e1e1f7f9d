package events

const (
	TopicConnStatus     = "conn.status"
	TopicFrameIn        = "frame.in"
	TopicFrameOut       = "frame.out"
	TopicTextMessage    = "text.message"
	TopicMessageStatus  = "message.status"
	TopicNodeUpdated    = "node.updated"
	TopicNodeDiscovered = "node.discovered"
	TopicPosition       = "position"
	TopicTelemetry      = "telemetry"
	TopicTraceroute     = "traceroute"
	TopicAdminMessage   = "admin.message"
	TopicTimeSample     = "time.sample"
	TopicChannels       = "channels"
	TopicConfigComplete = "config.complete"
)
