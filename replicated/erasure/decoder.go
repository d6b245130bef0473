package erasure

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"fmt"
	log "log/slog"
)

// DecodeResult is the result of reversing an Encode: the reassembled snapshot blob,
// plus the indices of any shards that had to be reconstructed (worth re-persisting to
// the directory they came from so it self-heals).
type DecodeResult struct {
	DecodedData                []byte
	ReconstructedShardsIndeces []int
	Error                      error
}

// Decode reverses Encode: shards is every directory's copy (nil for directories that
// could not be read at all), shardsMetaData is each shard's persisted
// ComputeShardMetadata for corruption detection.
func (e *Erasure) Decode(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	if len(shards) == 0 {
		return &DecodeResult{Error: fmt.Errorf("shards can't be nil or empty")}
	}

	r := &DecodeResult{}
	ok, _ := e.encoder.Verify(shards)
	if !ok {
		log.Info("snapshot erasure verification failed, reconstructing")
		r = e.reconstructMissingShards(shards)
		if r.Error != nil {
			return r
		}
		ok, _ = e.encoder.Verify(shards)
		if !ok {
			dr := e.detectBadShardsThenReconstruct(shards, shardsMetaData)
			if dr.Error != nil {
				return &DecodeResult{Error: fmt.Errorf("final attempt to reconstruct failed: %w", dr.Error)}
			}
			r = dr
		}
	}

	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	if err := e.encoder.Join(w, shards, len(shards[0])*e.DataShardsCount); err != nil {
		return &DecodeResult{Error: fmt.Errorf("encoder.Join failed: %w", err)}
	}
	w.Flush()
	// Every shard's metadata carries the same padding count; use the first one read.
	padding := 0
	for _, m := range shardsMetaData {
		if len(m) > 0 {
			padding = int(m[0])
			break
		}
	}
	ba := make([]byte, len(b.Bytes())-padding)
	copy(ba, b.Bytes())
	r.DecodedData = ba
	return r
}

func (e *Erasure) detectBadShardsThenReconstruct(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	corruptedShardsIndices := make([]int, 0, 2)
	for i := range shards {
		expectedChecksum := shardsMetaData[i][1:]
		gotChecksum := md5.Sum(shards[i])
		if !bytes.Equal(expectedChecksum, gotChecksum[:]) {
			corruptedShardsIndices = append(corruptedShardsIndices, i)
			shards[i] = nil
		}
	}
	if len(corruptedShardsIndices) == 0 {
		return &DecodeResult{Error: fmt.Errorf("shards failed checksum check with no bad shard identified")}
	}
	if err := e.encoder.Reconstruct(shards); err != nil {
		return &DecodeResult{Error: err}
	}
	ok, err := e.encoder.Verify(shards)
	if !ok {
		return &DecodeResult{Error: err}
	}
	return &DecodeResult{ReconstructedShardsIndeces: corruptedShardsIndices}
}

func (e *Erasure) reconstructMissingShards(shards [][]byte) *DecodeResult {
	r := DecodeResult{}
	requestReconstruction := make([]bool, len(shards))
	for i := range shards {
		if shards[i] == nil {
			r.ReconstructedShardsIndeces = append(r.ReconstructedShardsIndeces, i)
			requestReconstruction[i] = true
		}
	}
	if err := e.encoder.ReconstructSome(shards, requestReconstruction); err != nil {
		r.Error = err
	}
	return &r
}
