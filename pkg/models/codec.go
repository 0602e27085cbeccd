package models

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Messages are encoded as protobuf wire records without generated code.
// Field numbers are part of the host/worker contract: never renumber, only
// append. Unknown fields are skipped so older peers can read newer records.

var errWireType = errors.New("unexpected wire type")

// HostMessage is sent from the host to a worker
type HostMessage struct {
	Job      *JobRequest
	Shutdown bool
}

// Hello is the first message a worker sends after connecting
type Hello struct {
	PID     int
	Kind    string
	Version string
}

// WorkerMessage is sent from a worker to the host
type WorkerMessage struct {
	Hello   *Hello
	Outcome *Outcome
}

// MarshalBinary implements encoding.BinaryMarshaler
func (m *HostMessage) MarshalBinary() ([]byte, error) {
	if (m.Job == nil) == !m.Shutdown {
		return nil, fmt.Errorf("host message must carry exactly one of job or shutdown")
	}
	var e encoder
	if m.Job != nil {
		e.message(1, func(e *encoder) { encodeJobRequest(e, m.Job) })
	}
	if m.Shutdown {
		e.varint(2, 1)
	}
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (m *HostMessage) UnmarshalBinary(b []byte) error {
	*m = HostMessage{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Job = &JobRequest{}
			return consumeMessage(typ, b, func(b []byte) error { return decodeJobRequest(b, m.Job) })
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.Shutdown = v != 0
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if (m.Job == nil) == !m.Shutdown {
		return fmt.Errorf("host message must carry exactly one of job or shutdown")
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (m *WorkerMessage) MarshalBinary() ([]byte, error) {
	if (m.Hello == nil) == (m.Outcome == nil) {
		return nil, fmt.Errorf("worker message must carry exactly one of hello or outcome")
	}
	var e encoder
	if m.Hello != nil {
		e.message(1, func(e *encoder) {
			e.zigzag(1, int64(m.Hello.PID))
			e.str(2, m.Hello.Kind)
			e.str(3, m.Hello.Version)
		})
	}
	if m.Outcome != nil {
		e.message(2, func(e *encoder) { encodeOutcome(e, m.Outcome) })
	}
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (m *WorkerMessage) UnmarshalBinary(b []byte) error {
	*m = WorkerMessage{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			m.Hello = &Hello{}
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						var v int64
						n, err := consumeZigZag(typ, b, &v)
						m.Hello.PID = int(v)
						return n, err
					case 2:
						return consumeString(typ, b, &m.Hello.Kind)
					case 3:
						return consumeString(typ, b, &m.Hello.Version)
					}
					return 0, nil
				})
			})
		case 2:
			m.Outcome = &Outcome{}
			return consumeMessage(typ, b, func(b []byte) error { return decodeOutcome(b, m.Outcome) })
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if (m.Hello == nil) == (m.Outcome == nil) {
		return fmt.Errorf("worker message must carry exactly one of hello or outcome")
	}
	return nil
}

// MarshalArtifactMeta encodes artifact metadata for the artifact file header
func MarshalArtifactMeta(meta *ArtifactMeta) []byte {
	var e encoder
	encodeArtifactMeta(&e, meta)
	return e.b
}

// UnmarshalArtifactMeta decodes artifact metadata from an artifact file header
func UnmarshalArtifactMeta(b []byte) (*ArtifactMeta, error) {
	meta := &ArtifactMeta{}
	if err := decodeArtifactMeta(b, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func encodeJobRequest(e *encoder, r *JobRequest) {
	e.str(1, r.JobID)
	e.varint(2, uint64(r.Kind))
	e.message(3, func(e *encoder) {
		e.zigzag(1, int64(r.Budget.CPUTimeLimit))
		e.varint(2, r.Budget.MemoryLimit)
		e.zigzag(3, int64(r.Budget.WallClockDeadline))
	})
	if p := r.Prepare; p != nil {
		e.message(4, func(e *encoder) {
			e.bytes(1, p.Code)
			e.message(2, func(e *encoder) {
				e.varint(1, uint64(p.Params.MaxMemoryPages))
				e.str(2, p.Params.Profile)
			})
			e.str(3, p.ArtifactDir)
		})
	}
	if x := r.Execute; x != nil {
		e.message(5, func(e *encoder) {
			e.message(1, func(e *encoder) { encodeHandle(e, &x.Artifact) })
			e.message(2, func(e *encoder) {
				e.str(1, x.Params.EntryPoint)
				e.varint(2, uint64(x.Params.MaxOutputBytes))
			})
			e.bytes(3, x.Input)
		})
	}
}

func decodeJobRequest(b []byte, r *JobRequest) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.JobID)
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			r.Kind = JobKind(v)
			return n, err
		case 3:
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeDuration(typ, b, &r.Budget.CPUTimeLimit)
					case 2:
						return consumeVarint(typ, b, &r.Budget.MemoryLimit)
					case 3:
						return consumeDuration(typ, b, &r.Budget.WallClockDeadline)
					}
					return 0, nil
				})
			})
		case 4:
			p := &PrepareJob{}
			r.Prepare = p
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeBytes(typ, b, &p.Code)
					case 2:
						return consumeMessage(typ, b, func(b []byte) error {
							return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
								switch num {
								case 1:
									var v uint64
									n, err := consumeVarint(typ, b, &v)
									p.Params.MaxMemoryPages = uint32(v)
									return n, err
								case 2:
									return consumeString(typ, b, &p.Params.Profile)
								}
								return 0, nil
							})
						})
					case 3:
						return consumeString(typ, b, &p.ArtifactDir)
					}
					return 0, nil
				})
			})
		case 5:
			x := &ExecuteJob{}
			r.Execute = x
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) error { return decodeHandle(b, &x.Artifact) })
					case 2:
						return consumeMessage(typ, b, func(b []byte) error {
							return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
								switch num {
								case 1:
									return consumeString(typ, b, &x.Params.EntryPoint)
								case 2:
									var v uint64
									n, err := consumeVarint(typ, b, &v)
									x.Params.MaxOutputBytes = uint32(v)
									return n, err
								}
								return 0, nil
							})
						})
					case 3:
						return consumeBytes(typ, b, &x.Input)
					}
					return 0, nil
				})
			})
		}
		return 0, nil
	})
}

func encodeHandle(e *encoder, h *ArtifactHandle) {
	e.str(1, h.Path)
	e.bytes(2, h.Checksum[:])
}

func decodeHandle(b []byte, h *ArtifactHandle) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &h.Path)
		case 2:
			return consumeFixedBytes(typ, b, h.Checksum[:])
		}
		return 0, nil
	})
}

func encodeArtifactMeta(e *encoder, m *ArtifactMeta) {
	e.str(1, m.EngineVersion)
	e.zigzag(2, int64(m.CompileDuration))
	e.varint(3, m.MemoryCeiling)
	e.bytes(4, m.CodeHash[:])
	if !m.CreatedAt.IsZero() {
		e.zigzag(5, m.CreatedAt.UnixNano())
	}
}

func decodeArtifactMeta(b []byte, m *ArtifactMeta) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.EngineVersion)
		case 2:
			return consumeDuration(typ, b, &m.CompileDuration)
		case 3:
			return consumeVarint(typ, b, &m.MemoryCeiling)
		case 4:
			return consumeFixedBytes(typ, b, m.CodeHash[:])
		case 5:
			var v int64
			n, err := consumeZigZag(typ, b, &v)
			m.CreatedAt = time.Unix(0, v).UTC()
			return n, err
		}
		return 0, nil
	})
}

func encodeOutcome(e *encoder, o *Outcome) {
	e.str(1, o.JobID)
	e.varint(2, uint64(o.Kind))
	e.str(3, o.Reason)
	e.varint(4, uint64(o.Detail))
	e.zigzag(5, int64(o.Code))
	e.bytes(6, o.Result)
	if o.Artifact != nil {
		e.message(7, func(e *encoder) {
			e.message(1, func(e *encoder) { encodeHandle(e, &o.Artifact.Handle) })
			e.message(2, func(e *encoder) { encodeArtifactMeta(e, &o.Artifact.Meta) })
		})
	}
	e.message(8, func(e *encoder) {
		e.zigzag(1, int64(o.Metrics.CPUTime))
		e.varint(2, o.Metrics.PeakMemory)
		e.zigzag(3, int64(o.Metrics.WallTime))
	})
}

func decodeOutcome(b []byte, o *Outcome) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &o.JobID)
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			o.Kind = OutcomeKind(v)
			return n, err
		case 3:
			return consumeString(typ, b, &o.Reason)
		case 4:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			o.Detail = ErrorKind(v)
			return n, err
		case 5:
			var v int64
			n, err := consumeZigZag(typ, b, &v)
			o.Code = int(v)
			return n, err
		case 6:
			return consumeBytes(typ, b, &o.Result)
		case 7:
			a := &Artifact{}
			o.Artifact = a
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) error { return decodeHandle(b, &a.Handle) })
					case 2:
						return consumeMessage(typ, b, func(b []byte) error { return decodeArtifactMeta(b, &a.Meta) })
					}
					return 0, nil
				})
			})
		case 8:
			return consumeMessage(typ, b, func(b []byte) error {
				return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeDuration(typ, b, &o.Metrics.CPUTime)
					case 2:
						return consumeVarint(typ, b, &o.Metrics.PeakMemory)
					case 3:
						return consumeDuration(typ, b, &o.Metrics.WallTime)
					}
					return 0, nil
				})
			})
		}
		return 0, nil
	})
}

// encoder appends fields, omitting zero scalars
type encoder struct {
	b []byte
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) zigzag(num protowire.Number, v int64) {
	e.varint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// fieldFunc consumes the value of a known field and returns the number of
// bytes used. Returning 0 marks the field unknown so it is skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeZigZag(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = protowire.DecodeZigZag(v)
	return n, nil
}

func consumeDuration(typ protowire.Type, b []byte, dst *time.Duration) (int, error) {
	var v int64
	n, err := consumeZigZag(typ, b, &v)
	*dst = time.Duration(v)
	return n, err
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeFixedBytes(typ protowire.Type, b []byte, dst []byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if len(v) != len(dst) {
		return 0, fmt.Errorf("length %d, want %d", len(v), len(dst))
	}
	copy(dst, v)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := fn(v); err != nil {
		return 0, err
	}
	return n, nil
}
