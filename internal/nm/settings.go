package nm

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// ConnectionSettings is the settings tree NetworkManager expects on the
// wire: section name -> field name -> variant-wrapped value.
type ConnectionSettings map[string]map[string]dbus.Variant

// IPv4Method selects how NetworkManager configures IPv4 on the link.
type IPv4Method string

const (
	// IPv4Shared serves DHCP and NATs traffic toward the upstream link.
	IPv4Shared IPv4Method = "shared"
	// IPv4LinkLocal assigns a 169.254.0.0/16 address and nothing else.
	IPv4LinkLocal IPv4Method = "link-local"
)

// IDPrefix marks every connection profile created by this process so
// that leftovers from earlier runs can be recognized and swept.
const IDPrefix = "netap-"

// WiredSettings builds the settings tree for an ephemeral wired
// connection: fresh identifier, autoconnect off, IPv6 ignored.
func WiredSettings(method IPv4Method) ConnectionSettings {
	return ConnectionSettings{
		"connection": section(map[string]any{
			"id":          newConnectionID("wired"),
			"uuid":        uuid.NewString(),
			"type":        "802-3-ethernet",
			"autoconnect": false,
		}),
		"ipv4": section(map[string]any{
			"method": string(method),
		}),
		"ipv6": section(map[string]any{
			"method": "ignore",
		}),
	}
}

// WirelessSettings builds the settings tree for an ephemeral Wi-Fi
// access point. The SSID goes on the wire as raw bytes. A WPA-PSK
// security section is attached only when a PSK is given; an empty PSK
// means an open network.
func WirelessSettings(method IPv4Method, ssid, psk string) ConnectionSettings {
	settings := ConnectionSettings{
		"connection": section(map[string]any{
			"id":          newConnectionID("wireless"),
			"uuid":        uuid.NewString(),
			"type":        "802-11-wireless",
			"autoconnect": false,
		}),
		"802-11-wireless": section(map[string]any{
			"mode": "ap",
			"ssid": []byte(ssid),
		}),
		"ipv4": section(map[string]any{
			"method": string(method),
		}),
		"ipv6": section(map[string]any{
			"method": "ignore",
		}),
	}
	if psk != "" {
		settings["802-11-wireless-security"] = section(map[string]any{
			"key-mgmt": "wpa-psk",
			"psk":      psk,
		})
	}
	return settings
}

// ID returns the human-readable identifier of a settings tree, or ""
// if the tree has none.
func (s ConnectionSettings) ID() string {
	conn, ok := s["connection"]
	if !ok {
		return ""
	}
	id, _ := conn["id"].Value().(string)
	return id
}

// section wraps plain Go values into the variant map the settings
// protocol expects. All type tagging happens here and nowhere else.
func section(fields map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(fields))
	for name, value := range fields {
		out[name] = dbus.MakeVariant(value)
	}
	return out
}

// newConnectionID generates a profile identifier unique enough to not
// collide with concurrent manager instances during a single test run.
func newConnectionID(kind string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%s", IDPrefix, kind, token)
}
