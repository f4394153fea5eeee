package vbg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAttachesCredentials(t *testing.T) {
	creds := Credentials{Name: "n", Key: "k"}
	req, err := Build(StartEnrollment{UserID: "alice", RebuildTemplate: true}, creds)
	require.NoError(t, err)
	require.Equal(t, OpStartEnrollment, req.Type)
	require.Equal(t, map[string]string{
		FieldClientName:      "n",
		FieldClientKey:       "k",
		FieldUserID:          "alice",
		FieldRebuildTemplate: "true",
	}, req.Fields)
}

func TestBuildFinishTransactionScoreOptional(t *testing.T) {
	creds := Credentials{Name: "n", Key: "k"}

	req, err := Build(FinishTransaction{TransactionID: "tx", Success: "true"}, creds)
	require.NoError(t, err)
	_, hasScore := req.Fields[FieldScore]
	require.False(t, hasScore)

	score := "91.5"
	req, err = Build(FinishTransaction{TransactionID: "tx", Success: "false", Score: &score}, creds)
	require.NoError(t, err)
	require.Equal(t, "91.5", req.Fields[FieldScore])
	require.Equal(t, "false", req.Fields[FieldSuccess])
}

func TestBuildRequiresFields(t *testing.T) {
	creds := Credentials{Name: "n", Key: "k"}
	cases := []Command{
		StartEnrollment{},
		AudioCheck{Sample: "AAAA"},
		AudioCheck{TransactionID: "tx"},
		EnrollUser{},
		FinishTransaction{Success: "true"},
		FinishTransaction{TransactionID: "tx"},
		StartVerification{},
		VerifySample{TransactionID: "tx"},
	}
	for _, cmd := range cases {
		_, err := Build(cmd, creds)
		require.ErrorIs(t, err, ErrMissingField, "%T %+v", cmd, cmd)
	}
}

func TestNewRawRequestCopiesFields(t *testing.T) {
	fields := map[string]string{"a": "1"}
	req := NewRawRequest("BadRequest", fields)
	fields["a"] = "2"
	require.Equal(t, "1", req.Fields["a"])
}

func TestOperationKnown(t *testing.T) {
	require.True(t, OpVerifySample.Known())
	require.False(t, Operation("BadRequest").Known())
}
