package dpdk

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
)

// PortsAllStatValues is the legacy reply to ports_all_stat_values
type PortsAllStatValues struct {
	Data []PortStatValues `json:"data"`
}

// PortStatValues holds the stats of one port
type PortStatValues struct {
	PCIAddress string     `json:"pci_address"`
	Stats      []StatPair `json:"stats"`
}

// StatPair is one named legacy stat
type StatPair struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// EthdevInfo is the subset of the /ethdev/info reply the exporter uses
type EthdevInfo struct {
	Name string `json:"name"`
}

// Greeting is the first message a v2 engine sends on a new connection
type Greeting struct {
	Version      string `json:"version"`
	PID          int    `json:"pid"`
	MaxOutputLen int    `json:"max_output_len"`
}

// DecodePortsAllStatValues parses a legacy metrics reply
func DecodePortsAllStatValues(payload []byte) (*PortsAllStatValues, error) {
	var reply PortsAllStatValues
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("decode ports_all_stat_values reply: %w", err)
	}
	return &reply, nil
}

// ExtractPortStats converts the first port record of a legacy reply into a
// stat batch with prefixed stat names
func ExtractPortStats(reply *PortsAllStatValues) (*types.StatBatch, error) {
	if reply == nil || len(reply.Data) == 0 {
		return nil, errors.New("reply contains no port records")
	}

	port := reply.Data[0]
	batch := &types.StatBatch{
		HardwareAddress: port.PCIAddress,
		Stats:           make(map[string]float64, len(port.Stats)),
	}
	for _, stat := range port.Stats {
		batch.Stats[types.MetricPrefix+stat.Name] = stat.Value
	}
	return batch, nil
}

// ExtractEthdev combines the v2 info and xstats replies into a stat batch
// with prefixed stat names
func ExtractEthdev(info *EthdevInfo, xstats map[string]float64) (*types.StatBatch, error) {
	if info == nil {
		return nil, errors.New("no /ethdev/info reply received")
	}

	batch := &types.StatBatch{
		HardwareAddress: info.Name,
		Stats:           make(map[string]float64, len(xstats)),
	}
	for name, value := range xstats {
		batch.Stats[types.MetricPrefix+name] = value
	}
	return batch, nil
}
