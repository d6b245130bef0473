// Package snapshotcodec is a fixed-layout binary codec for GlobalSession and
// BranchSession, used by the replicated store's snapshot writer (spec.md §4.3) and
// by consensus log entries (spec.md §4.3 "onApply"). Adapted from the teacher's
// handle encoding: a bytes.Buffer filled field-by-field with binary.LittleEndian,
// favoring predictable size over the allocation and reflection cost of JSON for the
// hot snapshot/replication path.
package snapshotcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sharedcode/tcoord"
)

// EncodeGlobal encodes a GlobalSession, including its branches, to a byte slice.
func EncodeGlobal(g *tcoord.GlobalSession) []byte {
	w := new(bytes.Buffer)
	writeString(w, g.XID)
	writeInt64(w, g.TransactionID)
	writeString(w, g.ApplicationID)
	writeString(w, g.TransactionServiceGroup)
	writeString(w, g.TransactionName)
	writeInt64(w, g.TimeoutMs)
	writeInt64(w, g.BeginTime)
	writeBytes(w, g.ApplicationData)
	writeInt32(w, int32(g.Status))
	writeBool(w, g.Active)

	writeInt32(w, int32(len(g.Branches)))
	for _, b := range g.Branches {
		encodeBranch(w, b)
	}
	return w.Bytes()
}

// DecodeGlobal decodes a byte slice produced by EncodeGlobal.
func DecodeGlobal(data []byte) (*tcoord.GlobalSession, error) {
	r := bytes.NewBuffer(data)
	g := &tcoord.GlobalSession{}
	var err error
	if g.XID, err = readString(r); err != nil {
		return nil, err
	}
	if g.TransactionID, err = readInt64(r); err != nil {
		return nil, err
	}
	if g.ApplicationID, err = readString(r); err != nil {
		return nil, err
	}
	if g.TransactionServiceGroup, err = readString(r); err != nil {
		return nil, err
	}
	if g.TransactionName, err = readString(r); err != nil {
		return nil, err
	}
	if g.TimeoutMs, err = readInt64(r); err != nil {
		return nil, err
	}
	if g.BeginTime, err = readInt64(r); err != nil {
		return nil, err
	}
	if g.ApplicationData, err = readBytes(r); err != nil {
		return nil, err
	}
	status, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	g.Status = tcoord.GlobalStatus(status)
	if g.Active, err = readBool(r); err != nil {
		return nil, err
	}

	branchCount, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	g.Branches = make([]*tcoord.BranchSession, 0, branchCount)
	for i := int32(0); i < branchCount; i++ {
		b, err := decodeBranch(r)
		if err != nil {
			return nil, err
		}
		g.Branches = append(g.Branches, b)
	}
	return g, nil
}

// EncodeBranch encodes a single BranchSession, e.g. for a consensus log entry
// carrying just a branch-level mutation.
func EncodeBranch(b *tcoord.BranchSession) []byte {
	w := new(bytes.Buffer)
	encodeBranch(w, b)
	return w.Bytes()
}

// DecodeBranch decodes a byte slice produced by EncodeBranch.
func DecodeBranch(data []byte) (*tcoord.BranchSession, error) {
	return decodeBranch(bytes.NewBuffer(data))
}

func encodeBranch(w *bytes.Buffer, b *tcoord.BranchSession) {
	writeString(w, b.XID)
	writeInt64(w, b.BranchID)
	writeInt64(w, b.TransactionID)
	writeString(w, string(b.BranchType))
	writeString(w, b.ResourceID)
	writeString(w, b.ResourceGroupID)
	writeString(w, b.ClientID)
	writeBytes(w, b.ApplicationData)
	writeString(w, b.LockKey)
	writeInt32(w, int32(b.Status))
}

func decodeBranch(r *bytes.Buffer) (*tcoord.BranchSession, error) {
	b := &tcoord.BranchSession{}
	var err error
	if b.XID, err = readString(r); err != nil {
		return nil, err
	}
	if b.BranchID, err = readInt64(r); err != nil {
		return nil, err
	}
	if b.TransactionID, err = readInt64(r); err != nil {
		return nil, err
	}
	branchType, err := readString(r)
	if err != nil {
		return nil, err
	}
	b.BranchType = tcoord.BranchType(branchType)
	if b.ResourceID, err = readString(r); err != nil {
		return nil, err
	}
	if b.ResourceGroupID, err = readString(r); err != nil {
		return nil, err
	}
	if b.ClientID, err = readString(r); err != nil {
		return nil, err
	}
	if b.ApplicationData, err = readBytes(r); err != nil {
		return nil, err
	}
	if b.LockKey, err = readString(r); err != nil {
		return nil, err
	}
	status, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	b.Status = tcoord.BranchStatus(status)
	return b, nil
}

func writeInt32(w *bytes.Buffer, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	w.Write(buf[:])
}

func readInt32(r *bytes.Buffer) (int32, error) {
	if r.Len() < 4 {
		return 0, fmt.Errorf("snapshotcodec: truncated int32")
	}
	return int32(binary.LittleEndian.Uint32(r.Next(4))), nil
}

func writeInt64(w *bytes.Buffer, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

func readInt64(r *bytes.Buffer) (int64, error) {
	if r.Len() < 8 {
		return 0, fmt.Errorf("snapshotcodec: truncated int64")
	}
	return int64(binary.LittleEndian.Uint64(r.Next(8))), nil
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBool(r *bytes.Buffer) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("snapshotcodec: truncated bool")
	}
	return b == 1, nil
}

func writeBytes(w *bytes.Buffer, v []byte) {
	writeInt32(w, int32(len(v)))
	w.Write(v)
}

func readBytes(r *bytes.Buffer) ([]byte, error) {
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if int32(r.Len()) < n {
		return nil, fmt.Errorf("snapshotcodec: truncated byte slice")
	}
	out := make([]byte, n)
	copy(out, r.Next(int(n)))
	return out, nil
}

func writeString(w *bytes.Buffer, v string) {
	writeBytes(w, []byte(v))
}

func readString(r *bytes.Buffer) (string, error) {
	ba, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(ba), nil
}
