package session

import (
	"net/netip"
	"strings"
)

// Session is one signed-in device. Device and Network are the snapshot taken
// at sign-in; LastDevice and LastNetwork are replaced on every rotation. The refresh hash is kept in its
// own hash field and never serialized with the snapshot.
type Session struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	RoleName         string          `json:"roleName"`
	AuthProvider     string          `json:"authProvider"`
	Device           DeviceInfo      `json:"device"`
	Network          NetworkMetadata `json:"network"`
	CreatedAt        int64           `json:"createdAt"`
	ExpiresAt        int64           `json:"expiresAt"`
	RefreshExpiresAt int64           `json:"-"`
	RefreshHash      [32]byte        `json:"-"`
	LastDevice       DeviceInfo      `json:"-"`
	LastNetwork      NetworkMetadata `json:"-"`
	RotatedAt        int64           `json:"-"`
}

// DeviceInfo describes the client device presenting credentials.
type DeviceInfo struct {
	Platform    string  `json:"platform"`
	PushToken   *string `json:"pushToken"`
	AppVersion  string  `json:"appVersion"`
	OSVersion   string  `json:"osVersion"`
	DeviceModel string  `json:"deviceModel"`
}

// Validate returns the names of missing fields.
func (d DeviceInfo) Validate() []string {
	var missing []string
	if strings.TrimSpace(d.Platform) == "" {
		missing = append(missing, "deviceInfo.platform")
	}
	if strings.TrimSpace(d.AppVersion) == "" {
		missing = append(missing, "deviceInfo.appVersion")
	}
	if strings.TrimSpace(d.OSVersion) == "" {
		missing = append(missing, "deviceInfo.osVersion")
	}
	if strings.TrimSpace(d.DeviceModel) == "" {
		missing = append(missing, "deviceInfo.deviceModel")
	}
	return missing
}

// NetworkMetadata is the edge-provided view of the connection. Geolocation
// fields are optional; the edge omits them for some addresses.
type NetworkMetadata struct {
	Hostname       string   `json:"hostname"`
	ClientIP       string   `json:"clientIp"`
	Protocol       string   `json:"protocol"`
	ASN            int      `json:"asn,omitempty"`
	ASOrganization string   `json:"asOrganization,omitempty"`
	Country        string   `json:"country,omitempty"`
	Region         string   `json:"region,omitempty"`
	City           string   `json:"city,omitempty"`
	PostalCode     string   `json:"postalCode,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Colo           string   `json:"colo,omitempty"`
}

// Validate returns the names of missing or malformed fields. ClientIP must
// be a literal IPv4 or IPv6 address.
func (n NetworkMetadata) Validate() []string {
	var bad []string
	if strings.TrimSpace(n.Hostname) == "" {
		bad = append(bad, "networkMetadata.hostname")
	}
	if _, err := netip.ParseAddr(n.ClientIP); err != nil {
		bad = append(bad, "networkMetadata.clientIp")
	}
	if strings.TrimSpace(n.Protocol) == "" {
		bad = append(bad, "networkMetadata.protocol")
	}
	if n.Latitude != nil && (*n.Latitude < -90 || *n.Latitude > 90) {
		bad = append(bad, "networkMetadata.latitude")
	}
	if n.Longitude != nil && (*n.Longitude < -180 || *n.Longitude > 180) {
		bad = append(bad, "networkMetadata.longitude")
	}
	return bad
}
