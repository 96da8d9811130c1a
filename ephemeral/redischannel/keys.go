package redischannel

import "fmt"

// Key layout per canvas:
// - channelKey(canvas): pub/sub channel carrying set/clear messages
// - latestKey(canvas):  Hash<shapeId -> record JSON>, the current drags for late joiners

const (
	keyChannelFmt = "shapesync:positions:{canvas:%s}"
	keyLatestFmt  = "shapesync:positions:latest:{canvas:%s}"
)

func channelKey(canvas string) string { return fmt.Sprintf(keyChannelFmt, canvas) }
func latestKey(canvas string) string  { return fmt.Sprintf(keyLatestFmt, canvas) }
