package mirror_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/appcheck/mirror"
	"github.com/pitabwire/appcheck/reactive"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/sdk/sdktest"
)

type MirrorSuite struct {
	suite.Suite
}

func TestMirrorSuite(t *testing.T) {
	suite.Run(t, new(MirrorSuite))
}

func (s *MirrorSuite) TestLastWriteWins() {
	client := sdktest.NewFakeClient()
	cell := reactive.NewCell[string]()

	var changes []string
	cell.Subscribe(func(v string) { changes = append(changes, v) })

	sub := mirror.Start(context.Background(), client, cell)
	s.True(sub.Active())

	client.Emit(sdk.Token{Token: "abc"})
	client.Emit(sdk.Token{Token: "xyz"})
	client.Emit(sdk.Token{Token: "xyz"})

	val, ok := cell.Get()
	s.True(ok)
	s.Equal("xyz", val)
	s.Equal([]string{"abc", "xyz", "xyz"}, changes)
}

func (s *MirrorSuite) TestNonInteractiveNeverSubscribes() {
	client := sdktest.NewFakeClient()
	cell := reactive.NewCell[string]()

	sub := mirror.Start(context.Background(), client, cell, mirror.WithInteractive(false))
	s.False(sub.Active())
	s.Zero(client.Listeners())

	client.Emit(sdk.Token{Token: "abc"})

	_, ok := cell.Get()
	s.False(ok)
	sub.Stop()
}

func (s *MirrorSuite) TestStopIsIdempotent() {
	client := sdktest.NewFakeClient()
	cell := reactive.NewCell[string]()

	sub := mirror.Start(context.Background(), client, cell)
	s.Equal(1, client.Listeners())

	client.Emit(sdk.Token{Token: "before"})
	sub.Stop()
	sub.Stop()
	s.False(sub.Active())
	s.Zero(client.Listeners())

	client.Emit(sdk.Token{Token: "after"})
	val, _ := cell.Get()
	s.Equal("before", val)
}

func (s *MirrorSuite) TestOnTokenHookAndMissingInputs() {
	client := sdktest.NewFakeClient()
	cell := reactive.NewCell[string]()

	var hooked []sdk.Token
	mirror.Start(context.Background(), client, cell, mirror.WithOnToken(func(t sdk.Token) {
		val, _ := cell.Get()
		s.Equal(t.Token, val, "the cell is written before the hook runs")
		hooked = append(hooked, t)
	}))
	client.Emit(sdk.Token{Token: "one"})
	s.Len(hooked, 1)

	s.False(mirror.Start(context.Background(), nil, cell).Active())
	s.False(mirror.Start(context.Background(), client, nil).Active())

	var nilSub *mirror.Subscription
	s.False(nilSub.Active())
	nilSub.Stop()
}
