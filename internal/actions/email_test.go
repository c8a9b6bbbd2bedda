package actions

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

func emailEntry(payload string) *domain.Entry {
	e := domain.NewEntry("email", domain.NewTimedConfiguration(time.Now()))
	e.Payload = []byte(payload)
	return e
}

func TestEmailAction_ActionID(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "localhost", Port: 1025, From: "from@test.com"})
	assert.Equal(t, "email", a.ActionID())
}

func TestEmailAction_InvalidJSON(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "localhost", Port: 1025})

	ok, err := a.Execute(context.Background(), emailEntry("not-json"))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestEmailAction_MissingTo(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "localhost", Port: 1025})

	ok, err := a.Execute(context.Background(), emailEntry(`{"subject":"hi","body":"world"}`))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "to")
}

func TestEmailAction_Sends(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "mail.local", Port: 2525, From: "scheduler@test.com"})
	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	a.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	ok, err := a.Execute(context.Background(), emailEntry(`{"to":"x@y.com","subject":"daily","body":"report"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"x@y.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: daily")
}

func TestEmailAction_SendError(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "localhost", Port: 1025})
	a.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	ok, err := a.Execute(context.Background(), emailEntry(`{"to":"x@y.com"}`))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestEmailAction_CancelledContext(t *testing.T) {
	a := NewEmailAction(EmailConfig{Host: "localhost", Port: 1025})
	block := make(chan struct{})
	defer close(block)
	a.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := a.Execute(ctx, emailEntry(`{"to":"x@y.com","subject":"hi","body":"world"}`))
	require.Error(t, err, "cancelled context should result in an error")
	assert.False(t, ok)
}
