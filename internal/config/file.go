package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// loadFile reads a TOML config file and flattens it into env-style keys so it
// can sit underneath the environment in the lookup chain:
//
//	room_grace = "45s"          -> ROOM_GRACE
//	[redis] addr = "..."        -> REDIS_ADDR
//	[webrtc] udp_port_min = 50000 -> WEBRTC_UDP_PORT_MIN
//
// Keys that already carry a full env name (AERO_WEBRTC_MESH_LISTEN_ADDR) are
// matched case-insensitively as well.
func loadFile(path string) (map[string]string, error) {
	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}

	out := make(map[string]string)
	if err := flatten("", doc, out); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	for k, v := range out {
		if alias, ok := fileKeyAliases[k]; ok {
			out[alias] = v
		}
	}
	return out, nil
}

// fileKeyAliases maps the short TOML names of the server-level settings to
// their env names, which carry a product prefix.
var fileKeyAliases = map[string]string{
	"LISTEN_ADDR":      envVarListenAddr,
	"PUBLIC_BASE_URL":  envVarPublicBaseURL,
	"LOG_FORMAT":       envVarLogFormat,
	"LOG_LEVEL":        envVarLogLevel,
	"SHUTDOWN_TIMEOUT": envVarShutdownTimeout,
	"MODE":             envVarMode,
	"ICE_SERVERS_JSON": envICEServersJSON,
	"STUN_URLS":        envStunURLs,
	"TURN_URLS":        envTurnURLs,
	"TURN_USERNAME":    envTurnUsername,
	"TURN_CREDENTIAL":  envTurnCredential,
}

func flatten(prefix string, doc map[string]any, out map[string]string) error {
	for k, v := range doc {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch v := v.(type) {
		case map[string]any:
			if err := flatten(key, v, out); err != nil {
				return err
			}
		case string:
			out[key] = v
		case int64:
			out[key] = strconv.FormatInt(v, 10)
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		case time.Time:
			return fmt.Errorf("%s: datetimes are not supported", key)
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("%s: only string arrays are supported", key)
				}
				parts = append(parts, s)
			}
			out[key] = strings.Join(parts, ",")
		default:
			return fmt.Errorf("%s: unsupported value of type %T", key, v)
		}
	}
	return nil
}

// layeredLookup consults the environment first and falls back to file values.
func layeredLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFileFromArgs pulls --config out of args ahead of the main flag parse,
// since the file has to be loaded before flag defaults are computed.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		for _, name := range []string{"-config", "--config"} {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(arg, name+"=") {
				return strings.TrimPrefix(arg, name+"=")
			}
		}
	}
	return ""
}
