package eventsource

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
)

// transferEventABI describes the TransferInitiated event exactly as the
// source bridge emits it. The schema is explicit on purpose: a log that does
// not match it in shape is rejected, never best-effort parsed.
const transferEventABI = `[
	{"type":"event","name":"TransferInitiated","inputs":[
		{"name":"sequence","type":"uint256","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"payload","type":"bytes","indexed":false}
	]}
]`

// Decoder decodes raw bridge logs into canonical transfer intents.
type Decoder struct {
	event abi.Event
}

// NewDecoder creates a decoder for the TransferInitiated event schema.
//
// Returns:
// - *Decoder: a new decoder instance.
// - error: an error if the event ABI cannot be parsed.
func NewDecoder() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(transferEventABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse transfer event ABI")
	}

	event, ok := parsed.Events["TransferInitiated"]
	if !ok {
		return nil, errors.New("transfer event not found in ABI")
	}

	return &Decoder{event: event}, nil
}

// Topic returns the topic hash of the event this decoder accepts.
func (d *Decoder) Topic() common.Hash {
	return d.event.ID
}

// Decode converts a raw log into a transfer intent, deriving the transfer id
// from on-chain fields only. A shape mismatch (wrong topic, wrong topic
// count, undecodable data, out-of-range sequence) returns an error; callers
// skip and log such entries rather than aborting the batch.
//
// Parameters:
// - chainID: the source chain id the log was read from.
// - log: the raw log to decode.
//
// Returns:
// - *types.TransferIntent: the decoded intent, with CreatedAt left zero for the caller to fill.
// - error: an error describing the shape mismatch.
func (d *Decoder) Decode(chainID uint64, log ethtypes.Log) (*types.TransferIntent, error) {
	if log.Removed {
		return nil, errors.New("log was removed by a reorganization")
	}
	if len(log.Topics) != 3 {
		return nil, errors.Errorf("unexpected topic count: got %d, want 3", len(log.Topics))
	}
	if log.Topics[0] != d.event.ID {
		return nil, errors.Errorf("unexpected event topic: %s", log.Topics[0].Hex())
	}

	sequence := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !sequence.IsUint64() {
		return nil, errors.Errorf("sequence out of range: %s", sequence.String())
	}

	sender := common.BytesToAddress(log.Topics[2].Bytes())

	values, err := d.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack log data")
	}
	if len(values) != 3 {
		return nil, errors.Errorf("unexpected data arity: got %d, want 3", len(values))
	}

	recipient, ok := values[0].(common.Address)
	if !ok {
		return nil, errors.New("recipient field has unexpected type")
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return nil, errors.New("amount field has unexpected type")
	}
	if amount.Sign() < 0 {
		return nil, errors.Errorf("amount out of range: %s", amount.String())
	}
	payload, ok := values[2].([]byte)
	if !ok {
		return nil, errors.New("payload field has unexpected type")
	}

	seq := sequence.Uint64()

	return &types.TransferIntent{
		TransferID:        types.DeriveTransferID(chainID, log.Address, seq),
		SourceChainID:     chainID,
		SourceContract:    log.Address,
		SourceSequence:    seq,
		Sender:            sender,
		Recipient:         recipient,
		Amount:            amount,
		AuxPayload:        payload,
		SourceBlockHeight: log.BlockNumber,
		SourceLogIndex:    log.Index,
		SourceTxHash:      log.TxHash,
	}, nil
}
