package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoint format: a magic header followed by one protobuf wire
// message. Field numbers below are the format contract and must not be
// reused for a different meaning.
//
//	Record:          1=counter 2=weights 3=ema_weights 4=optimizer 5=metadata
//	WeightTensor:    1=name 2=shape(packed) 3=data(packed f32)
//	OptimizerState:  1=type 2=step_count 3=param(pair) 4=state_data
//	param pair:      1=name 2=value(f64)
//	OptimizerTensor: 1=name 2=shape(packed) 3=data(packed f32) 4=state_type
//	Metadata:        1=version 2=framework 3=created_at(unixnano) 4=description
var binaryMagic = []byte("GOTRAINC")

const binaryVersion = 1

func (s *Saver) saveBinary(record *Record, path string) error {
	buf := append([]byte(nil), binaryMagic...)
	buf = protowire.AppendVarint(buf, binaryVersion)
	buf = appendRecord(buf, record)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (s *Saver) loadBinary(path string) (*Record, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if len(buf) < len(binaryMagic) || string(buf[:len(binaryMagic)]) != string(binaryMagic) {
		return nil, fmt.Errorf("not a binary checkpoint: bad magic")
	}
	buf = buf[len(binaryMagic):]

	version, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, fmt.Errorf("corrupt checkpoint header: %w", protowire.ParseError(n))
	}
	if version != binaryVersion {
		return nil, fmt.Errorf("unsupported binary checkpoint version %d", version)
	}

	record, err := parseRecord(buf[n:])
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return record, nil
}

func appendRecord(b []byte, r *Record) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Counter))
	for i := range r.Weights {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWeightTensor(nil, &r.Weights[i]))
	}
	for i := range r.EMAWeights {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWeightTensor(nil, &r.EMAWeights[i]))
	}
	if r.OptimizerState != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, r.OptimizerState))
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, &r.Metadata))
	return b
}

func appendWeightTensor(b []byte, w *WeightTensor) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPackedInts(nil, w.Shape))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPackedFloats(nil, w.Data))
	return b
}

func appendOptimizerState(b []byte, st *OptimizerState) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, st.Type)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, st.StepCount)
	for _, name := range sortedParamNames(st.Parameters) {
		var pair []byte
		pair = protowire.AppendTag(pair, 1, protowire.BytesType)
		pair = protowire.AppendString(pair, name)
		pair = protowire.AppendTag(pair, 2, protowire.Fixed64Type)
		pair = protowire.AppendFixed64(pair, math.Float64bits(st.Parameters[name]))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	for i := range st.StateData {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerTensor(nil, &st.StateData[i]))
	}
	return b
}

func appendOptimizerTensor(b []byte, ot *OptimizerTensor) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, ot.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPackedInts(nil, ot.Shape))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPackedFloats(nil, ot.Data))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, ot.StateType)
	return b
}

func appendMetadata(b []byte, m *Metadata) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	if m.Description != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	return b
}

func appendPackedInts(b []byte, vals []int) []byte {
	for _, v := range vals {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func appendPackedFloats(b []byte, vals []float32) []byte {
	for _, v := range vals {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func sortedParamNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func parseRecord(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Counter = int(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w, err := parseWeightTensor(msg)
			if err != nil {
				return nil, err
			}
			r.Weights = append(r.Weights, w)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w, err := parseWeightTensor(msg)
			if err != nil {
				return nil, err
			}
			r.EMAWeights = append(r.EMAWeights, w)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			st, err := parseOptimizerState(msg)
			if err != nil {
				return nil, err
			}
			r.OptimizerState = st
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md, err := parseMetadata(msg)
			if err != nil {
				return nil, err
			}
			r.Metadata = md
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func parseWeightTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			w.Name = s
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			shape, err := parsePackedInts(msg)
			if err != nil {
				return w, err
			}
			w.Shape = shape
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			data, err := parsePackedFloats(msg)
			if err != nil {
				return w, err
			}
			w.Data = data
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return w, nil
}

func parseOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: make(map[string]float64)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			st.Type = s
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			st.StepCount = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			name, value, err := parseParamPair(msg)
			if err != nil {
				return nil, err
			}
			st.Parameters[name] = value
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ot, err := parseOptimizerTensor(msg)
			if err != nil {
				return nil, err
			}
			st.StateData = append(st.StateData, ot)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return st, nil
}

func parseParamPair(b []byte) (string, float64, error) {
	var name string
	var value float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			name = s
			b = b[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			value = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return name, value, nil
}

func parseOptimizerTensor(b []byte) (OptimizerTensor, error) {
	var ot OptimizerTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ot, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return ot, protowire.ParseError(n)
			}
			ot.Name = s
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ot, protowire.ParseError(n)
			}
			shape, err := parsePackedInts(msg)
			if err != nil {
				return ot, err
			}
			ot.Shape = shape
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ot, protowire.ParseError(n)
			}
			data, err := parsePackedFloats(msg)
			if err != nil {
				return ot, err
			}
			ot.Data = data
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return ot, protowire.ParseError(n)
			}
			ot.StateType = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ot, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ot, nil
}

func parseMetadata(b []byte) (Metadata, error) {
	var m Metadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Version = s
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Framework = s
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.CreatedAt = time.Unix(0, int64(v))
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Description = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func parsePackedInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func parsePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed float payload length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}
