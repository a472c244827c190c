package hooking

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	invocations []HookCtx
}

func (h *recordingHook) Func(ctx HookCtx) {
	h.invocations = append(h.invocations, ctx)
}

func TestHookableInvokesHooksInRegistrationOrder(t *testing.T) {
	domain := NewHookableBase()
	first := &recordingHook{}
	second := &recordingHook{}

	domain.AcceptHook(first)
	domain.AcceptHook(second)
	require.Equal(t, 2, domain.NumHooks())

	pos := &HookPos{Name: "Something Happened"}
	domain.InvokeHook(HookCtx{Domain: domain, Pos: pos, Item: "payload"})

	require.Len(t, first.invocations, 1)
	require.Len(t, second.invocations, 1)
	assert.Equal(t, pos, first.invocations[0].Pos)
	assert.Equal(t, "payload", first.invocations[0].Item)
}

func TestHookablePanicsOnDuplicatedHook(t *testing.T) {
	domain := NewHookableBase()
	hook := &recordingHook{}

	domain.AcceptHook(hook)

	assert.Panics(t, func() { domain.AcceptHook(hook) })
}

func TestReportHookWritesToTheReporter(t *testing.T) {
	domain := NewHookableBase()
	buf := &bytes.Buffer{}
	reporter := NewLogReporter(log.New(buf, "", 0))

	domain.AcceptHook(NewReportHook(reporter))

	pos := &HookPos{Name: "Leak Detected"}
	domain.InvokeHook(HookCtx{Domain: domain, Pos: pos, Item: 3})
	assert.Equal(t, "Leak Detected: 3\n", buf.String())

	buf.Reset()
	domain.InvokeHook(HookCtx{
		Domain: domain, Pos: pos, Item: 3, Detail: "2 pools, 1 cache",
	})
	assert.Equal(t, "Leak Detected: 3, 2 pools, 1 cache\n", buf.String())
}
