package deviceiot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspeaker/gateway/internal/tools"
)

func speakerDescriptor() Descriptor {
	return Descriptor{
		Name:        "Speaker",
		Description: "the speaker",
		Properties: map[string]Property{
			"volume": {Description: "current volume 0-100", Type: "integer"},
		},
		Methods: map[string]Method{
			"SetVolume": {
				Description: "set the volume",
				Parameters: map[string]Parameter{
					"volume": {Description: "target volume", Type: "integer"},
				},
			},
		},
	}
}

func TestRegisterDescriptorsCreatesTools(t *testing.T) {
	reg := tools.NewRegistry()
	hub := NewHub(func(context.Context, Command) error { return nil })

	hub.RegisterDescriptors(reg, []Descriptor{speakerDescriptor()})

	assert.ElementsMatch(t, []string{"get_speaker_volume", "speaker_setvolume"}, reg.Names())
}

func TestRegisterDescriptorsReplacesPrevious(t *testing.T) {
	reg := tools.NewRegistry()
	hub := NewHub(func(context.Context, Command) error { return nil })

	hub.RegisterDescriptors(reg, []Descriptor{speakerDescriptor()})
	hub.RegisterDescriptors(reg, []Descriptor{{
		Name:       "Screen",
		Properties: map[string]Property{"brightness": {Type: "integer"}},
	}})

	assert.ElementsMatch(t, []string{"get_screen_brightness"}, reg.Names())
}

func TestMethodToolSendsCommand(t *testing.T) {
	reg := tools.NewRegistry()
	var sent Command
	hub := NewHub(func(_ context.Context, cmd Command) error {
		sent = cmd
		return nil
	})
	hub.RegisterDescriptors(reg, []Descriptor{speakerDescriptor()})

	tool, source, ok := reg.Lookup("speaker_setvolume")
	require.True(t, ok)
	assert.Equal(t, tools.SourceDeviceIoT, source)

	res, err := tool.Execute(context.Background(), map[string]any{"volume": 70})
	require.NoError(t, err)
	assert.Equal(t, tools.ActionReqLLM, res.Action)
	assert.Equal(t, Command{Name: "Speaker", Method: "SetVolume", Parameters: map[string]any{"volume": 70}}, sent)
}

func TestGetterReadsStateCache(t *testing.T) {
	reg := tools.NewRegistry()
	hub := NewHub(func(context.Context, Command) error { return nil })
	hub.RegisterDescriptors(reg, []Descriptor{speakerDescriptor()})

	tool, _, ok := reg.Lookup("get_speaker_volume")
	require.True(t, ok)

	// No state yet.
	res, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, tools.ActionError, res.Action)

	hub.UpdateStates([]State{{Name: "Speaker", State: map[string]any{"volume": 35}}})
	res, err = tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, tools.ActionReqLLM, res.Action)
	assert.Contains(t, res.Content, "35")
}

func TestUpdateStatesMerges(t *testing.T) {
	hub := NewHub(func(context.Context, Command) error { return nil })

	hub.UpdateStates([]State{{Name: "Speaker", State: map[string]any{"volume": 10, "muted": false}}})
	hub.UpdateStates([]State{{Name: "Speaker", State: map[string]any{"volume": 80}}})

	v, ok := hub.State("Speaker", "volume")
	require.True(t, ok)
	assert.Equal(t, 80, v)

	muted, ok := hub.State("Speaker", "muted")
	require.True(t, ok)
	assert.Equal(t, false, muted)
}
