package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event and method names on the energy trading contract.
const (
	EventTradeExecuted           = "EnergyTradeExecuted"
	EventTokenMinted             = "EnergyTokenMinted"
	EventAnomalyDetected         = "AnomalyDetected"
	EventCircuitBreakerTriggered = "CircuitBreakerTriggered"

	methodTriggerCircuitBreaker = "triggerCircuitBreaker"
	methodGetContractState      = "getContractState"
)

// contractABI is the subset of the energy trading contract the guard uses.
const contractABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"buyer","type":"address"},
		{"indexed":true,"name":"seller","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"price","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"EnergyTradeExecuted","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"producer","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"EnergyTokenMinted","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"anomalyType","type":"string"},
		{"indexed":true,"name":"user","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"AnomalyDetected","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"newState","type":"uint8"},
		{"indexed":false,"name":"reason","type":"string"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"CircuitBreakerTriggered","type":"event"},
	{"inputs":[
		{"name":"newState","type":"uint8"},
		{"name":"reason","type":"string"}],
	 "name":"triggerCircuitBreaker","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getContractState","outputs":[
		{"name":"state","type":"uint8"},
		{"name":"totalSupply_","type":"uint256"},
		{"name":"dailyVolume_","type":"uint256"},
		{"name":"lastVolumeReset_","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

var parsedABI = sync.OnceValues(func() (abi.ABI, error) {
	a, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	return a, nil
})

// ContractABI returns the parsed contract ABI.
func ContractABI() (abi.ABI, error) {
	return parsedABI()
}
