package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewNodeDefaults(t *testing.T) {
	node := NewNode("user-1", "wf-1", nil, NodeAttrs{
		Name: "collect-payment",
		Kind: NodeKindActivity,
	})

	assert.NotEmpty(t, node.ID)
	assert.Equal(t, ServerStatusPending, node.CurrentServerStatus)
	assert.Equal(t, ClientStatusPending, node.CurrentClientStatus)
	assert.Equal(t, NodeModeBlocking, node.Mode)
	assert.Equal(t, DefaultRetries, node.Detail.RetriesRemaining)
	assert.Equal(t, DefaultRetryInterval, node.Detail.RetryInterval)
	assert.False(t, node.FiresAt.IsZero())
	assert.Nil(t, node.ParentID)
}

func TestNewNodeExplicitAttrs(t *testing.T) {
	parentID := "parent-1"
	retries := 2
	interval := 30 * time.Second
	firesAt := time.Now().UTC().Add(time.Hour)

	node := NewNode("user-1", "wf-1", &parentID, NodeAttrs{
		Name:          "wait",
		Kind:          NodeKindTimer,
		Mode:          NodeModeNonBlocking,
		FiresAt:       firesAt,
		Retries:       &retries,
		RetryInterval: &interval,
	})

	assert.Equal(t, NodeModeNonBlocking, node.Mode)
	assert.Equal(t, firesAt, node.FiresAt)
	assert.Equal(t, 2, node.Detail.RetriesRemaining)
	assert.Equal(t, 30*time.Second, node.Detail.RetryInterval)
	assert.Equal(t, "parent-1", *node.ParentID)
}

func TestParentRef(t *testing.T) {
	root := NewNode("user-1", "wf-1", nil, NodeAttrs{Name: "s", Kind: NodeKindSignal})
	assert.Equal(t, WorkflowRef("wf-1"), root.ParentRef())

	parentID := root.ID
	child := NewNode("user-1", "wf-1", &parentID, NodeAttrs{Name: "c", Kind: NodeKindActivity})
	assert.Equal(t, NodeRef(root.ID), child.ParentRef())
}

func TestServerStatusPerformed(t *testing.T) {
	performed := []ServerStatus{ServerStatusSentToClient, ServerStatusProcessingChildren, ServerStatusComplete}
	for _, status := range performed {
		assert.True(t, status.Performed(), "expected %s to be performed", status)
	}

	notPerformed := []ServerStatus{ServerStatusPending, ServerStatusReady, ServerStatusStarted, ServerStatusErrored, ServerStatusRetrying}
	for _, status := range notPerformed {
		assert.False(t, status.Performed(), "expected %s to not be performed", status)
	}
}

func TestNodeKindRequiresClient(t *testing.T) {
	assert.False(t, NodeKindFlag.RequiresClient())
	assert.True(t, NodeKindDecision.RequiresClient())
	assert.True(t, NodeKindActivity.RequiresClient())
	assert.True(t, NodeKindTimer.RequiresClient())
}

func TestUserEndpointFor(t *testing.T) {
	user := NewUser(UserAttrs{
		DecisionEndpoint:     "http://client/decisions",
		ActivityEndpoint:     "http://client/activities",
		NotificationEndpoint: "http://client/notifications",
	})

	assert.Equal(t, "http://client/decisions", user.EndpointFor(NodeKindDecision))
	assert.Equal(t, "http://client/activities", user.EndpointFor(NodeKindActivity))
	assert.Equal(t, "http://client/activities", user.EndpointFor(NodeKindSignal))
}
