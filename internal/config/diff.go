package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting the process are tracked
// individually; everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ReconnectChanged bool
	NewReconnect     ReconnectConfig

	// InputChanged means the capture stream must be reopened.
	InputChanged bool

	// OutputChanged means the playback stream must be reopened.
	OutputChanged bool

	// RestartRequired names changed sections that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ReconnectChanged && !d.InputChanged &&
		!d.OutputChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Reconnect != new.Reconnect {
		d.ReconnectChanged = true
		d.NewReconnect = new.Reconnect
	}

	oa, na := old.Audio, new.Audio
	if oa.InputDevice != na.InputDevice || oa.InputSampleRate != na.InputSampleRate {
		d.InputChanged = true
	}
	if oa.OutputDevice != na.OutputDevice || oa.OutputSampleRate != na.OutputSampleRate {
		d.OutputChanged = true
	}
	if oa.PlaybackSampleRate != na.PlaybackSampleRate || oa.PeriodFrames != na.PeriodFrames ||
		oa.DetectionQueueSize != na.DetectionQueueSize || oa.PlaybackQueueSize != na.PlaybackQueueSize ||
		oa.EchoCancellation != na.EchoCancellation {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Protocol.Kind != new.Protocol.Kind || old.Protocol.DeviceID != new.Protocol.DeviceID ||
		old.Protocol.MCP != new.Protocol.MCP || old.Protocol.ListenMode != new.Protocol.ListenMode || old.Protocol.AudioParams != new.Protocol.AudioParams ||
		old.Protocol.HandshakeTimeout != new.Protocol.HandshakeTimeout {
		d.RestartRequired = append(d.RestartRequired, "protocol")
	}
	if old.WebSocket != new.WebSocket {
		d.RestartRequired = append(d.RestartRequired, "websocket")
	}
	// Client ids may be generated per load.
	om, nm := old.MQTT, new.MQTT
	om.ClientID, nm.ClientID = "", ""
	if om != nm {
		d.RestartRequired = append(d.RestartRequired, "mqtt")
	}

	return d
}
