/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mfa

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/pquerna/otp/totp"
)

// Channel names accepted by the issue endpoint.
const (
	ChannelEmail         = "email"
	ChannelPush          = "push"
	ChannelAuthenticator = "authenticator"
	ChannelTelegram      = "telegram"
)

// deliveryTimeout bounds one outbound delivery call.
const deliveryTimeout = 10 * time.Second

// Channel delivers a one-time code over a side channel and returns
// the value the controller should store.
type Channel interface {
	Send(ctx context.Context) (string, error)
}

// EmailConfig configures mailgun delivery.
type EmailConfig struct {
	// Domain is the mailgun sending domain
	Domain string
	// APIKey authenticates against the mailgun API
	APIKey string
	// Sender is the from address
	Sender string
	// Recipient receives the codes
	Recipient string
}

type emailChannel struct {
	mg        *mailgun.MailgunImpl
	sender    string
	recipient string
}

// NewEmailChannel returns a channel that mails short codes through
// mailgun.
func NewEmailChannel(cfg EmailConfig) (Channel, error) {
	if cfg.Domain == "" || cfg.APIKey == "" {
		return nil, trace.BadParameter("email channel requires a mailgun domain and api key")
	}
	if cfg.Sender == "" || cfg.Recipient == "" {
		return nil, trace.BadParameter("email channel requires a sender and recipient")
	}
	return &emailChannel{
		mg:        mailgun.NewMailgun(cfg.Domain, cfg.APIKey),
		sender:    cfg.Sender,
		recipient: cfg.Recipient,
	}, nil
}

func (e *emailChannel) Send(ctx context.Context) (string, error) {
	code, err := utils.ShortCode(defaults.MFACodeLength)
	if err != nil {
		return "", trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	msg := e.mg.NewMessage(e.sender, "Verification code",
		fmt.Sprintf("Your one-time code is %v.", code), e.recipient)
	if _, _, err := e.mg.Send(ctx, msg); err != nil {
		return "", trace.ConnectionProblem(err, "email delivery failed: %v", err)
	}
	return code, nil
}

// PushConfig configures delivery through an ntfy-compatible push
// server.
type PushConfig struct {
	// URL is the push server base, e.g. https://ntfy.sh
	URL string
	// Topic is the channel subscribers listen on
	Topic string
	// Username and Password are optional basic auth credentials
	Username string
	Password string
}

type pushChannel struct {
	client *resty.Client
	topic  string
}

// NewPushChannel returns a channel that publishes short codes to a
// push topic.
func NewPushChannel(cfg PushConfig) (Channel, error) {
	if cfg.URL == "" || cfg.Topic == "" {
		return nil, trace.BadParameter("push channel requires a server url and topic")
	}
	client := resty.
		NewWithClient(&http.Client{Timeout: deliveryTimeout}).
		SetBaseURL(cfg.URL).
		SetHeader("Title", "Verification code")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return &pushChannel{client: client, topic: cfg.Topic}, nil
}

func (p *pushChannel) Send(ctx context.Context) (string, error) {
	code, err := utils.ShortCode(defaults.MFACodeLength)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(fmt.Sprintf("Your one-time code is %v.", code)).
		Post("/" + p.topic)
	if err != nil {
		return "", trace.ConnectionProblem(err, "push delivery failed: %v", err)
	}
	if resp.IsError() {
		return "", trace.ConnectionProblem(nil, "push delivery failed: %v %v",
			resp.Status(), resp.String())
	}
	return code, nil
}

type authenticatorChannel struct {
	secret string
	clock  clockwork.Clock
}

// NewAuthenticatorChannel returns a channel that delivers nothing:
// it stores the TOTP code the user's enrolled app is showing right
// now, so the verify path accepts either the app's current or next
// code.
func NewAuthenticatorChannel(secret string, clock clockwork.Clock) (Channel, error) {
	if secret == "" {
		return nil, trace.BadParameter("authenticator channel requires a shared secret")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &authenticatorChannel{secret: secret, clock: clock}, nil
}

func (a *authenticatorChannel) Send(ctx context.Context) (string, error) {
	code, err := totp.GenerateCode(a.secret, a.clock.Now())
	if err != nil {
		return "", trace.Wrap(err)
	}
	return code, nil
}
