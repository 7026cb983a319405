package tunnel

// Channel names for yamux stream multiplexing. Each stream starts with a
// one-line header (e.g. "files\n") so the remote router can dispatch it.
const (
	ChannelTerminal = "terminal"
	ChannelFiles    = "files"
	ChannelPing     = "ping"
)

// maxChannelHeader bounds the channel name accepted by ReadChannelHeader.
const maxChannelHeader = 64
