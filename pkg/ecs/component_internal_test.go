package ecs

import (
	"testing"

	. "github.com/argus-labs/netcode/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unnamed struct{}

func (unnamed) Name() string { return "" }

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		registerFn func(*Registry) (Kind, error)
		setupFn    func(*Registry)
		wantKind   Kind
		wantErr    bool
	}{
		{
			name:       "register new component successfully",
			registerFn: Register[Health],
			wantKind:   0,
		},
		{
			name:       "register empty component name",
			registerFn: Register[unnamed],
			wantErr:    true,
		},
		{
			name: "register duplicate component",
			setupFn: func(r *Registry) {
				MustRegister[Position](r)
				MustRegister[Health](r)
			},
			registerFn: Register[Health],
			wantKind:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRegistry()
			if tt.setupFn != nil {
				tt.setupFn(r)
			}

			kind, err := tt.registerFn(r)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestRegistry_Codec(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	MustRegister[Position](r)
	labelKind := MustRegister[Label](r)

	ec, err := r.Encode(Label{Text: "hi", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, labelKind, ec.Kind)

	c, err := r.Decode(ec)
	require.NoError(t, err)
	assert.Equal(t, Label{Text: "hi", Enabled: true}, c)

	_, err = r.Decode(EncodedComponent{Kind: 42, Data: ec.Data})
	require.ErrorIs(t, err, ErrComponentNotFound)

	_, err = r.Decode(EncodedComponent{Kind: labelKind, Data: []byte{0xc1}})
	require.Error(t, err)

	_, err = r.Encode(Health{Value: 1})
	require.ErrorIs(t, err, ErrComponentNotFound)
}

func TestRegistry_Equal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	MustRegister[Position](r)
	MustRegister[Velocity](r)

	assert.True(t, r.Equal(Position{X: 1, Y: 2}, Position{X: 1 + PositionEpsilon/2, Y: 2}))
	assert.False(t, r.Equal(Position{X: 1, Y: 2}, Position{X: 1 + 2*PositionEpsilon, Y: 2}))
	assert.True(t, r.Equal(Velocity{X: 1}, Velocity{X: 1}))
	assert.False(t, r.Equal(Velocity{X: 1}, Velocity{X: 1.0000001}))
	assert.False(t, r.Equal(Position{X: 1}, Velocity{X: 1}))
}

func TestRegistry_Fingerprint(t *testing.T) {
	t.Parallel()

	a := NewRegistry()
	MustRegister[Position](a)
	MustRegister[Health](a)

	b := NewRegistry()
	MustRegister[Position](b)
	MustRegister[Health](b)

	c := NewRegistry()
	MustRegister[Health](c)
	MustRegister[Position](c)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
