package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestHostMessageExecuteJob(t *testing.T) {
	sum := [ChecksumSize]byte{1, 2, 3}
	in := &HostMessage{Job: &JobRequest{
		JobID: "job-1",
		Kind:  JobKindExecute,
		Budget: Budget{
			CPUTimeLimit:      2 * time.Second,
			MemoryLimit:       256 << 20,
			WallClockDeadline: 6 * time.Second,
		},
		Execute: &ExecuteJob{
			Artifact: ArtifactHandle{Path: "/tmp/a.pvfa", Checksum: sum},
			Params:   ExecuteParams{EntryPoint: "validate_block", MaxOutputBytes: 1024},
			Input:    []byte("pov"),
		},
	}}

	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out HostMessage
	require.NoError(t, out.UnmarshalBinary(raw))
	require.NotNil(t, out.Job)
	assert.Equal(t, in.Job.Budget, out.Job.Budget)
	assert.Equal(t, in.Job.Execute.Artifact, out.Job.Execute.Artifact)
	assert.Equal(t, []byte("pov"), out.Job.Execute.Input)
	assert.Nil(t, out.Job.Prepare)
	assert.False(t, out.Shutdown)
}

func TestHostMessageNegativeBudgetSurvivesDecoding(t *testing.T) {
	// Validation happens in the worker, so the codec must not clamp.
	in := &HostMessage{Job: &JobRequest{
		JobID:   "neg",
		Kind:    JobKindPrepare,
		Budget:  Budget{CPUTimeLimit: -time.Second},
		Prepare: &PrepareJob{ArtifactDir: "/tmp"},
	}}
	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out HostMessage
	require.NoError(t, out.UnmarshalBinary(raw))
	assert.Equal(t, -time.Second, out.Job.Budget.CPUTimeLimit)
	assert.Error(t, out.Job.Budget.Validate())
}

func TestHostMessageRequiresExactlyOneVariant(t *testing.T) {
	_, err := (&HostMessage{}).MarshalBinary()
	assert.Error(t, err)

	var out HostMessage
	assert.Error(t, out.UnmarshalBinary(nil), "empty record carries no variant")
}

func TestWorkerMessageOutcomeWithArtifact(t *testing.T) {
	created := time.Unix(1700000000, 42).UTC()
	in := &WorkerMessage{Outcome: &Outcome{
		JobID: "job-2",
		Kind:  OutcomeSuccess,
		Artifact: &Artifact{
			Handle: ArtifactHandle{Path: "/a/b.pvfa", Checksum: [ChecksumSize]byte{9}},
			Meta: ArtifactMeta{
				EngineVersion:   "wazero",
				CompileDuration: 150 * time.Millisecond,
				MemoryCeiling:   64 << 20,
				CreatedAt:       created,
			},
		},
		Metrics: Metrics{CPUTime: time.Millisecond, PeakMemory: 1 << 20, WallTime: 2 * time.Millisecond},
	}}

	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out WorkerMessage
	require.NoError(t, out.UnmarshalBinary(raw))
	require.NotNil(t, out.Outcome)
	assert.Equal(t, *in.Outcome.Artifact, *out.Outcome.Artifact)
	assert.Equal(t, in.Outcome.Metrics, out.Outcome.Metrics)
}

func TestWorkerMessageCrashedCodeIsSigned(t *testing.T) {
	in := &WorkerMessage{Outcome: &Outcome{JobID: "x", Kind: OutcomeCrashed, Code: -9}}
	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out WorkerMessage
	require.NoError(t, out.UnmarshalBinary(raw))
	assert.Equal(t, -9, out.Outcome.Code)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	raw, err := (&WorkerMessage{Hello: &Hello{PID: 7, Kind: "execute", Version: "1"}}).MarshalBinary()
	require.NoError(t, err)

	// A newer peer appends field 99.
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendString(raw, "future")

	var out WorkerMessage
	require.NoError(t, out.UnmarshalBinary(raw))
	assert.Equal(t, 7, out.Hello.PID)
	assert.Equal(t, "execute", out.Hello.Kind)
}

func TestMalformedRecords(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"truncated length", []byte{0x0a, 0x05, 0x01}},
		{"wrong wire type for outcome", protowire.AppendVarint(protowire.AppendTag(nil, 2, protowire.VarintType), 1)},
		{"checksum of wrong length", func() []byte {
			var e encoder
			e.message(2, func(e *encoder) {
				e.message(7, func(e *encoder) {
					e.message(1, func(e *encoder) { e.bytes(2, []byte{1, 2}) })
				})
			})
			return e.b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out WorkerMessage
			assert.Error(t, out.UnmarshalBinary(tt.raw))
		})
	}
}

func TestArtifactMetaHeader(t *testing.T) {
	meta := &ArtifactMeta{EngineVersion: "v", MemoryCeiling: 1 << 16, CodeHash: [32]byte{7}}
	got, err := UnmarshalArtifactMeta(MarshalArtifactMeta(meta))
	require.NoError(t, err)
	assert.Equal(t, meta.CodeHash, got.CodeHash)
	assert.True(t, got.CreatedAt.IsZero())
}

func TestOutcomeFromError(t *testing.T) {
	o := OutcomeFromError("j", NewJobError(ErrorKindRuntimeTrap, "unreachable"))
	assert.Equal(t, OutcomeInvalidCandidate, o.Kind)
	assert.Equal(t, ErrorKindRuntimeTrap, o.Detail)

	o = OutcomeFromError("j", NewJobError(ErrorKindCorruptedArtifact, "checksum mismatch"))
	assert.Equal(t, OutcomeInternalError, o.Kind)

	o = OutcomeFromError("j", errors.New("disk full"))
	assert.Equal(t, OutcomeInternalError, o.Kind)
	assert.Equal(t, "disk full", o.Reason)
}

func TestBudgetMergeAndValidate(t *testing.T) {
	defaults := Budget{CPUTimeLimit: time.Second, MemoryLimit: 1 << 20, WallClockDeadline: 3 * time.Second}

	merged := Budget{MemoryLimit: 2 << 20}.Merge(defaults)
	assert.Equal(t, time.Second, merged.CPUTimeLimit)
	assert.Equal(t, uint64(2<<20), merged.MemoryLimit)
	assert.NoError(t, merged.Validate())

	assert.Error(t, Budget{}.Validate())
	assert.Error(t, Budget{CPUTimeLimit: time.Second, MemoryLimit: 1, WallClockDeadline: -1}.Validate())
}
