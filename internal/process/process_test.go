package process

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedIdentity string

func (f fixedIdentity) PID() string { return string(f) }

func TestTarget(t *testing.T) {
	assert.True(t, Current().IsCurrent())
	assert.True(t, Target{}.IsCurrent())
	assert.Equal(t, "current process", Current().String())

	ext := External(" 1234 ")
	assert.False(t, ext.IsCurrent())
	assert.Equal(t, "pid 1234", ext.String())
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		id      Identity
		want    string
		wantErr bool
	}{
		{name: "external", target: External("1234"), want: "1234"},
		{name: "current with identity", target: Current(), id: fixedIdentity("42"), want: "42"},
		{name: "current defaults to self", target: Current(), want: strconv.Itoa(os.Getpid())},
		{name: "identity without pid", target: Current(), id: fixedIdentity(""), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.target, tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyPID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePID(t *testing.T) {
	n, err := ParsePID("1234")
	require.NoError(t, err)
	assert.Equal(t, int32(1234), n)

	for _, bad := range []string{"", "abc", "-1", "0", "99999999999"} {
		_, err := ParsePID(bad)
		assert.Error(t, err, bad)
	}
}

func TestExists(t *testing.T) {
	ok, err := Exists(context.Background(), Self{}.PID())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Exists(context.Background(), "not-a-pid")
	assert.Error(t, err)
}

func TestDescribe_Self(t *testing.T) {
	info, err := Describe(context.Background(), Self{}.PID())
	require.NoError(t, err)

	assert.Equal(t, int32(os.Getpid()), info.PID)
	assert.NotEmpty(t, info.Name)
}
