package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

func TestInbound_DecodeOperationFrame(t *testing.T) {
	raw := `{
		"type": "operation",
		"session_id": "s1",
		"operation": {"type": "insert", "position": 3, "text": "abc"}
	}`

	var in Inbound
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, InboundOperation, in.Kind)
	require.Equal(t, "s1", in.SessionID)
	require.NotNil(t, in.Operation)
	require.Equal(t, operation.TypeInsert, in.Operation.Type)
	require.Equal(t, 3, in.Operation.Position)
	require.Equal(t, "abc", in.Operation.Text)
}

func TestInbound_DecodeJoinByResource(t *testing.T) {
	raw := `{"type": "join_session", "resource_id": "doc-1", "resource_type": "document"}`

	var in Inbound
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, InboundJoinSession, in.Kind)
	require.Equal(t, "doc-1", in.ResourceID)

	resourceType, ok := parseResourceType(in.ResourceType)
	require.True(t, ok)
	require.Equal(t, session.ResourceDocument, resourceType)
}

func TestParseResourceType_Unknown(t *testing.T) {
	_, ok := parseResourceType("spreadsheet")
	require.False(t, ok)
	_, ok = parseResourceType("")
	require.False(t, ok)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{session.ErrSessionNotFound, CodeSessionNotFound},
		{session.ErrPermissionDenied, CodePermissionDenied},
		{session.ErrNotParticipant, CodeNotParticipant},
		{session.ErrInvalidInput, CodeBadRequest},
		{operation.ErrOutOfBounds, CodeValidationFailed},
		{operation.ErrEmptyText, CodeValidationFailed},
		{operation.ErrInvalidRange, CodeValidationFailed},
		{operation.ErrUnknownType, CodeValidationFailed},
		{fmt.Errorf("validating operation: %w", operation.ErrOutOfBounds), CodeValidationFailed},
		{errors.New("boom"), CodeInternal},
	}

	for _, tc := range cases {
		code, message := MapError(tc.err)
		require.Equal(t, tc.code, code, "error %v", tc.err)
		require.NotEmpty(t, message)
	}
}
