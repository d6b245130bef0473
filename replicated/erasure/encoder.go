// Package erasure Reed-Solomon encodes the snapshot data blob (spec.md §4.3) across
// the set of configured snapshot directories, so a minority of unavailable or
// corrupted directories at load time does not lose the snapshot.
package erasure

import (
	"crypto/md5"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Erasure erasure-codes a snapshot blob into DataShardsCount+ParityShardsCount shards,
// one shard per configured snapshot directory.
type Erasure struct {
	DataShardsCount   int
	ParityShardsCount int
	encoder           reedsolomon.Encoder
}

// MetaDataSize is 1 padding-count byte + a 16-byte MD5 checksum, stored alongside
// each shard so Decode can detect which shards are corrupted.
const MetaDataSize = 17

// NewErasure instantiates an erasure encoder for dataShards+parityShards directories.
func NewErasure(dataShards int, parityShards int) (*Erasure, error) {
	if (dataShards + parityShards) > 256 {
		return nil, fmt.Errorf("sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Erasure{
		DataShardsCount:   dataShards,
		ParityShardsCount: parityShards,
		encoder:           enc,
	}, nil
}

// Encode splits data into DataShardsCount shards and computes ParityShardsCount
// parity shards alongside them.
func (e *Erasure) Encode(data []byte) ([][]byte, error) {
	shards, err := e.encoder.Split(data)
	if err != nil {
		return nil, err
	}
	if err := e.encoder.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ComputeShardMetadata returns the metadata (padding count + checksum) for one shard
// of an Encode result, to be persisted alongside it for later corruption detection.
func (e *Erasure) ComputeShardMetadata(dataSize int, shards [][]byte, shardIndex int) []byte {
	checksum := md5.Sum(shards[shardIndex])
	r := make([]byte, 1+len(checksum))
	if dataSize%e.DataShardsCount != 0 {
		r[0] = byte(e.DataShardsCount - dataSize%e.DataShardsCount)
	}
	copy(r[1:], checksum[0:])
	return r
}
