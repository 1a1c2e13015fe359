package domain

// TenantProfile holds the per-tenant variables interpolated into replies and
// injected into generation prompts.
type TenantProfile struct {
	Name           string `yaml:"name"`
	Phone          string `yaml:"phone"`
	Address        string `yaml:"address"`
	EmergencyPhone string `yaml:"emergency_phone"`
	MapsLink       string `yaml:"maps_link"`
	ReviewLink     string `yaml:"review_link"`
	Timezone       string `yaml:"timezone"`
}

// DisplayName falls back to a generic clinic name.
func (p TenantProfile) DisplayName() string {
	if p.Name == "" {
		return "Clínica"
	}
	return p.Name
}

// EmergencyLine is the emergency phone, or the main phone when unset.
func (p TenantProfile) EmergencyLine() string {
	if p.EmergencyPhone != "" {
		return p.EmergencyPhone
	}
	return p.Phone
}
