// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Logical partitions, realized as key prefixes within one BadgerDB.
const (
	racesPrefix       = "races/"
	timeIndexPrefix   = "races_by_time/"
	clustersPrefix    = "clusters/"
	sourceStatsPrefix = "source_stats/"
	metaPrefix        = "meta/"
)

// Well-known meta keys.
const (
	schemaVersionKey = metaPrefix + "schema_version"
	idemPrefix       = metaPrefix + "idem/"
	auditPrefix      = metaPrefix + "audit/"
	snapshotPrefix   = metaPrefix + "snapshot/"
	migrationPrefix  = metaPrefix + "migration/"
	rolloutKey       = metaPrefix + "rollout"
	lastEpsKey       = metaPrefix + "cluster/last_eps"
	registryPrefix   = metaPrefix + "registry/"
)

func raceKey(id string) []byte {
	return []byte(racesPrefix + id)
}

func clusterKey(id string) []byte {
	return []byte(clustersPrefix + id)
}

func sourceStatsKey(source string) []byte {
	return []byte(sourceStatsPrefix + source)
}

func idempotencyKey(token string) []byte {
	return []byte(idemPrefix + token)
}

func auditKey(kind string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", auditPrefix, kind, at.UnixNano()))
}

func registryKey(adapterID string) []byte {
	return []byte(registryPrefix + adapterID)
}

// timeIndexKey builds races_by_time/{8B BE seconds}{4B BE nanos}{race_id}.
// Big-endian fixed-width encoding makes lexicographic key order equal
// chronological order. Pre-epoch timestamps saturate to zero so they sort
// first rather than wrapping.
func timeIndexKey(startedAt time.Time, id string) []byte {
	buf := make([]byte, 0, len(timeIndexPrefix)+12+len(id))
	buf = append(buf, timeIndexPrefix...)
	buf = appendTimeBytes(buf, startedAt)
	buf = append(buf, id...)
	return buf
}

func appendTimeBytes(buf []byte, t time.Time) []byte {
	sec := t.Unix()
	if sec < 0 {
		sec = 0
	}
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(sec))
	binary.BigEndian.PutUint32(b[8:12], uint32(t.Nanosecond()))
	return append(buf, b[:]...)
}

// splitTimeIndexKey recovers (started_at, race_id) from a time-index key.
func splitTimeIndexKey(key []byte) (time.Time, string, error) {
	rest := key[len(timeIndexPrefix):]
	if len(key) < len(timeIndexPrefix) || len(rest) < 12 {
		return time.Time{}, "", fmt.Errorf("malformed time index key %q", key)
	}
	sec := binary.BigEndian.Uint64(rest[0:8])
	nanos := binary.BigEndian.Uint32(rest[8:12])
	id := string(rest[12:])
	return time.Unix(int64(sec), int64(nanos)).UTC(), id, nil
}

// Cursor identifies the last emitted (started_at, id) pair of a historic
// scan. The wire form is opaque to clients: URL-safe base64 over a small
// JSON document, so the server can evolve the contents.
type Cursor struct {
	Sec   int64  `json:"sec"`
	Nanos int32  `json:"nanos"`
	ID    string `json:"id"`
}

// EncodeCursor returns the opaque wire form of c.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor produced by EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Nanos < 0 || c.Nanos > 999_999_999 {
		return Cursor{}, fmt.Errorf("decode cursor: nanos out of range")
	}
	return c, nil
}

func cursorFor(startedAt time.Time, id string) Cursor {
	sec := startedAt.Unix()
	if sec < 0 {
		sec = 0
	}
	return Cursor{Sec: sec, Nanos: int32(startedAt.Nanosecond()), ID: id}
}

// seekKey returns the first index key strictly after the cursor position.
// Appending a zero byte to the exact key of the last emitted pair yields
// the smallest possible successor, so resumed scans never repeat a record.
func (c Cursor) seekKey() []byte {
	buf := make([]byte, 0, len(timeIndexPrefix)+12+len(c.ID)+1)
	buf = append(buf, timeIndexPrefix...)
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(c.Sec))
	binary.BigEndian.PutUint32(b[8:12], uint32(c.Nanos))
	buf = append(buf, b[:]...)
	buf = append(buf, c.ID...)
	buf = append(buf, 0x00)
	return buf
}

// timeSeekKey returns the first index key at or after t.
func timeSeekKey(t time.Time) []byte {
	buf := make([]byte, 0, len(timeIndexPrefix)+12)
	buf = append(buf, timeIndexPrefix...)
	return appendTimeBytes(buf, t)
}
