package aggregator

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// aggregatorABI covers the AggregatorSingle entry points the oracle relays to.
const aggregatorABI = `[
  {"type":"constructor","inputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"addPair","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"pair","type":"string"},
    {"name":"decimal","type":"uint256"},
    {"name":"description","type":"string"},
    {"name":"version","type":"uint256"}]},
  {"type":"function","name":"updateAnswers","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"pairs","type":"string[]"},
    {"name":"timestamps","type":"uint256[]"},
    {"name":"prices","type":"uint256[]"}]}
]`

// ABI is the parsed aggregator interface.
var ABI = mustParseABI(aggregatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("aggregator: invalid ABI: " + err.Error())
	}
	return parsed
}
