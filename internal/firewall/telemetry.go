package firewall

// Telemetry receives engine events that are not single filter commands.
type Telemetry interface {
	Compensation()
	SelfHeal()
	RegisteredRules(n int)
}

type nopTelemetry struct{}

func (nopTelemetry) Compensation()       {}
func (nopTelemetry) SelfHeal()           {}
func (nopTelemetry) RegisteredRules(int) {}
