package config

// mergeConfigs merges override configuration into base. Non-zero values in
// override win; extension sections are replaced key by key.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.Version != "" {
		result.Version = override.Version
	}

	if override.Server.URL != "" {
		result.Server.URL = override.Server.URL
	}
	if override.Server.Token != "" {
		result.Server.Token = override.Server.Token
	}

	result.Presence = mergePresence(base.Presence, override.Presence)

	if override.Reconnect.InitialMs != 0 {
		result.Reconnect.InitialMs = override.Reconnect.InitialMs
	}
	if override.Reconnect.MaxMs != 0 {
		result.Reconnect.MaxMs = override.Reconnect.MaxMs
	}
	if override.Reconnect.Multiplier != 0 {
		result.Reconnect.Multiplier = override.Reconnect.Multiplier
	}

	if override.Relay.Addr != "" {
		result.Relay.Addr = override.Relay.Addr
	}
	if override.Relay.DBPath != "" {
		result.Relay.DBPath = override.Relay.DBPath
	}
	if override.Relay.JWTSecret != "" {
		result.Relay.JWTSecret = override.Relay.JWTSecret
	}
	if override.Relay.CanEdit != nil {
		result.Relay.CanEdit = override.Relay.CanEdit
	}
	if override.Relay.CanRun != nil {
		result.Relay.CanRun = override.Relay.CanRun
	}
	if len(override.Relay.Adaptors) > 0 {
		result.Relay.Adaptors = override.Relay.Adaptors
	}

	if len(base.Extensions) > 0 || len(override.Extensions) > 0 {
		result.Extensions = make(map[string]interface{}, len(base.Extensions)+len(override.Extensions))
		for k, v := range base.Extensions {
			result.Extensions[k] = v
		}
		for k, v := range override.Extensions {
			result.Extensions[k] = v
		}
	}

	return &result
}

func mergePresence(base, override PresenceConfig) PresenceConfig {
	if override.StaleAfterMs != 0 {
		base.StaleAfterMs = override.StaleAfterMs
	}
	if override.RetainForMs != 0 {
		base.RetainForMs = override.RetainForMs
	}
	if override.HeartbeatMs != 0 {
		base.HeartbeatMs = override.HeartbeatMs
	}
	if override.ThrottleMs != 0 {
		base.ThrottleMs = override.ThrottleMs
	}
	if override.RefreshMs != 0 {
		base.RefreshMs = override.RefreshMs
	}
	if override.OutdatedMs != 0 {
		base.OutdatedMs = override.OutdatedMs
	}
	return base
}
