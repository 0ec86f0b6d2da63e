package mq

import "fmt"

// Routing keys on the topic exchange.
const (
	uplinkKey  = "gateway.%s.uplink"
	commandKey = "gateway.%s.command"

	// UplinkBinding matches every gateway's uplink frames.
	UplinkBinding = "gateway.*.uplink"
	// CommandBinding matches every gateway's command frames.
	CommandBinding = "gateway.*.command"

	// RegistryBeaconKey carries beacon registry records.
	RegistryBeaconKey = "registry.beacon"
	// RegistryGatewayKey carries gateway registry records.
	RegistryGatewayKey = "registry.gateway"
	// RegistryBinding matches every registry record.
	RegistryBinding = "registry.#"
)

// UplinkKey returns the routing key a gateway publishes its frames under.
func UplinkKey(gatewayMAC string) string {
	return fmt.Sprintf(uplinkKey, gatewayMAC)
}

// CommandKey returns the gateway-scoped routing key for outbound commands.
func CommandKey(gatewayMAC string) string {
	return fmt.Sprintf(commandKey, gatewayMAC)
}
