// Package message encodes detection batches into the JSON payload published
// on the tag topic.
//
// The payload is a JSON array of records. Each record is indented with four
// spaces and records are joined by a bare comma:
//
//	[{
//	    "id": 0,
//	    "pos": {
//	        "x": 1.0,
//	    ...
//	},{
//	    ...
//	}]
//
// Downstream consumers parse this exact text, so the layout is fixed.
package message

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ayusman/tagcast/internal/detector"
)

// Terminator is appended to every payload before it is published; it is
// counted in the transmitted length.
const Terminator byte = 0

// Position is the tag position in meters.
type Position struct {
	X Float `json:"x"`
	Y Float `json:"y"`
	Z Float `json:"z"`
}

// Record is the wire form of a single detection.
type Record struct {
	ID       int         `json:"id"`
	Pos      Position    `json:"pos"`
	Rotation [3][3]Float `json:"rotation"`
}

// NewRecord converts a detection to its wire form.
//
// pos takes the first three pose words and rotation reads all nine words
// column-major: rotation[r][c] = Translation[r+3c]. Both come from the same
// Translation words; consumers depend on this arrangement.
func NewRecord(d detector.Detection) Record {
	t := d.Translation
	return Record{
		ID: d.ID,
		Pos: Position{
			X: Float(t[0]),
			Y: Float(t[1]),
			Z: Float(t[2]),
		},
		Rotation: [3][3]Float{
			{Float(t[0]), Float(t[3]), Float(t[6])},
			{Float(t[1]), Float(t[4]), Float(t[7])},
			{Float(t[2]), Float(t[5]), Float(t[8])},
		},
	}
}

// Encode renders batch as the published JSON text, without the terminator.
// An empty batch encodes to "[]", although the pipeline never publishes one.
func Encode(batch []detector.Detection) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, d := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		rec, err := json.MarshalIndent(NewRecord(d), "", "    ")
		if err != nil {
			return nil, errors.Wrapf(err, "encode tag %d", d.ID)
		}
		buf.Write(rec)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Frame appends the terminator to an encoded payload.
func Frame(payload []byte) []byte {
	framed := make([]byte, len(payload)+1)
	copy(framed, payload)
	framed[len(payload)] = Terminator
	return framed
}

// Decode parses a published payload back into records. A trailing
// terminator is accepted.
func Decode(data []byte) ([]Record, error) {
	data = bytes.TrimSuffix(data, []byte{Terminator})

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "decode tag payload")
	}
	return records, nil
}

// Float is a float64 that always encodes with a decimal point or exponent
// (1 encodes as 1.0) and encodes NaN and infinities as null.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}

	b := strconv.AppendFloat(nil, v, 'g', -1, 64)
	if bytes.IndexAny(b, ".e") < 0 {
		b = append(b, '.', '0')
	}
	return b, nil
}

// UnmarshalJSON implements json.Unmarshaler; null decodes as NaN.
func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
