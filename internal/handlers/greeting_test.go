package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexaflow/replygate/internal/conversation"
)

func TestGreetingFirstContact(t *testing.T) {
	reply, err := NewGreeting().Handle(context.Background(), "hello", &Context{})
	require.NoError(t, err)
	assert.Contains(t, reply, "Hello! I'm here to help")
}

func TestGreetingSecondMessage(t *testing.T) {
	hctx := &Context{History: []conversation.Turn{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "Hello!"},
	}}

	reply, err := NewGreeting().Handle(context.Background(), "hello again", hctx)
	require.NoError(t, err)
	assert.Contains(t, reply, "Nice to hear from you again")
}

func TestGreetingReturningUser(t *testing.T) {
	hctx := &Context{History: []conversation.Turn{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "Hello!"},
		{Role: conversation.RoleUser, Content: "show me kurtas"},
		{Role: conversation.RoleAssistant, Content: "Here are some kurtas..."},
	}}

	reply, err := NewGreeting().Handle(context.Background(), "hello", hctx)
	require.NoError(t, err)
	assert.Contains(t, reply, "Welcome back")
}
