package dispatch

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
)

type fcmClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCM delivers to Firebase Cloud Messaging registration tokens.
type FCM struct {
	client fcmClient
}

// NewFCM initializes a Firebase app from a service-account file.
func NewFCM(ctx context.Context, credentialsFile, projectID string) (*FCM, error) {
	var conf *firebase.Config
	if strings.TrimSpace(projectID) != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) Name() string { return "fcm" }

func (f *FCM) Send(ctx context.Context, token string, msg Message) error {
	androidPriority, apnsPriority := "normal", "5"
	if msg.High() {
		androidPriority, apnsPriority = "high", "10"
	}
	_, err := f.client.Send(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android:      &messaging.AndroidConfig{Priority: androidPriority},
		APNS:         &messaging.APNSConfig{Headers: map[string]string{"apns-priority": apnsPriority}},
	})
	if err == nil {
		return nil
	}
	switch {
	case messaging.IsUnregistered(err):
		return notify.Permanent(fmt.Errorf("%w: %w", ErrUnregistered, err))
	case messaging.IsInvalidArgument(err), messaging.IsSenderIDMismatch(err):
		return notify.Permanent(err)
	}
	return err
}
