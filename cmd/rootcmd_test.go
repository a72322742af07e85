package rootcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

type testCLI struct {
	Hello helloCmd `cmd:"" help:"Say hello (${version})"`
}

type helloCmd struct {
	Name string `arg:"" default:"world"`

	ran  string
	seen any
}

func (cmd *helloCmd) Run(ctx context.Context) error {
	cmd.ran = cmd.Name
	cmd.seen = ctx.Value(ctxKey{})
	return nil
}

func TestNew(t *testing.T) {
	ctx := context.WithValue(context.Background(), ctxKey{}, "bound")

	cli := &testCLI{}
	parser, err := New(ctx, cli, "test", "test command")
	require.NoError(t, err)
	assert.Equal(t, "test", parser.Model.Name)

	kctx, err := parser.Parse([]string{"hello", "replica"})
	require.NoError(t, err)
	assert.Equal(t, "hello <name>", kctx.Command())

	require.NoError(t, kctx.Run())
	assert.Equal(t, "replica", cli.Hello.ran)
	assert.Equal(t, "bound", cli.Hello.seen)
}

func TestNewUnknownCommand(t *testing.T) {
	parser, err := New(context.Background(), &testCLI{}, "test", "test command")
	require.NoError(t, err)

	_, err = parser.Parse([]string{"goodbye"})
	assert.Error(t, err)
}
