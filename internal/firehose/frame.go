package firehose

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Encodings accepted by subscribeRepos.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// FrameType is the message type carried in a CBOR frame header.
const FrameType = "#commit"

// frameHeader is the first CBOR item of a binary frame.
type frameHeader struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t"`
}

// cborEvent mirrors Event. The record travels as a byte string holding
// its canonical JSON exactly as committed, so it still hashes to CID on
// the far side.
type cborEvent struct {
	Seq       int64  `cbor:"seq"`
	DID       string `cbor:"did"`
	Operation string `cbor:"operation"`
	URI       string `cbor:"uri"`
	CID       string `cbor:"cid"`
	Record    []byte `cbor:"record,omitempty"`
	PrevCID   string `cbor:"prevCid,omitempty"`
	Commit    string `cbor:"commit,omitempty"`
	Time      string `cbor:"time"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeJSON serializes ev as a JSON text frame. HTML escaping is off so
// record strings go out as committed.
func EncodeJSON(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("firehose: encode json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeCBOR serializes ev as a binary frame: a CBOR header
// {op: 1, t: "#commit"} followed by the CBOR event body.
func EncodeCBOR(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeHeader(cbg.NewCborWriter(&buf)); err != nil {
		return nil, fmt.Errorf("firehose: encode header: %w", err)
	}

	body := cborEvent{
		Seq:       ev.Seq,
		DID:       ev.DID,
		Operation: ev.Operation,
		URI:       ev.URI,
		CID:       ev.CID,
		PrevCID:   ev.PrevCID,
		Commit:    ev.Commit,
		Time:      ev.Time,
	}
	if len(ev.Record) > 0 {
		if !json.Valid(ev.Record) {
			return nil, fmt.Errorf("firehose: seq %d: record is not valid JSON", ev.Seq)
		}
		body.Record = ev.Record
	}

	b, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode body: %w", err)
	}
	buf.Write(b)
	return buf.Bytes(), nil
}

// DecodeCBOR parses a binary frame produced by EncodeCBOR.
func DecodeCBOR(frame []byte) (Event, error) {
	dec := decMode.NewDecoder(bytes.NewReader(frame))

	var hdr frameHeader
	if err := dec.Decode(&hdr); err != nil {
		return Event{}, fmt.Errorf("firehose: decode header: %w", err)
	}
	if hdr.Op != 1 || hdr.T != FrameType {
		return Event{}, fmt.Errorf("firehose: unexpected frame op=%d t=%q", hdr.Op, hdr.T)
	}

	var body cborEvent
	if err := dec.Decode(&body); err != nil {
		return Event{}, fmt.Errorf("firehose: decode body: %w", err)
	}

	ev := Event{
		Seq:       body.Seq,
		DID:       body.DID,
		Operation: body.Operation,
		URI:       body.URI,
		CID:       body.CID,
		PrevCID:   body.PrevCID,
		Commit:    body.Commit,
		Time:      body.Time,
	}
	if len(body.Record) > 0 {
		if !json.Valid(body.Record) {
			return Event{}, fmt.Errorf("firehose: seq %d: record is not valid JSON", body.Seq)
		}
		ev.Record = json.RawMessage(body.Record)
	}
	return ev, nil
}

// writeHeader writes the {t, op} map in length-first key order.
func writeHeader(cw *cbg.CborWriter) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}
	if err := writeTextString(cw, "t"); err != nil {
		return err
	}
	if err := writeTextString(cw, FrameType); err != nil {
		return err
	}
	if err := writeTextString(cw, "op"); err != nil {
		return err
	}
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, 1)
}

func writeTextString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}
