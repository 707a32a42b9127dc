// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/flowbus/sf05"
	"github.com/denisbrodbeck/machineid"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

const (
	appID          = "sf05"
	publishTimeout = 5 * time.Second
	// unknownSerial is published when the serial number couldn't be read.
	unknownSerial = "unknown"
)

// message is the JSON payload published for every reading.
type message struct {
	Serial string    `json:"serial"`
	Time   time.Time `json:"time"`
	Raw    uint16    `json:"raw"`
	Flow   float64   `json:"flow"`
	Error  string    `json:"error,omitempty"`
}

func formatSerial(serial uint32) string {
	return fmt.Sprintf("%08x", serial)
}

func payload(serial string, r sf05.Reading) ([]byte, error) {
	m := message{
		Serial: serial,
		Time:   r.Time.UTC(),
		Raw:    r.Raw,
		Flow:   r.Flow,
	}
	if r.Err != nil {
		m.Error = r.Err.Error()
	}
	return json.Marshal(&m)
}

// tokenPublisher is the part of mqtt.Client used to publish.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type publisher struct {
	client tokenPublisher
	topic  string
	serial string
}

// clientID returns a stable client ID derived from the machine ID, so a
// restarted tool takes over its previous session.
func clientID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		glog.Warningf("machine id: %v", err)
		return appID
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return appID + "-" + id
}

func dialMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	id := cfg.ClientID
	if id == "" {
		id = clientID()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(id).
		SetAutoReconnect(true).
		SetConnectTimeout(publishTimeout)
	c := mqtt.NewClient(opts)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt: %s: %w", cfg.Broker, tok.Error())
	}
	glog.Infof("mqtt: connected to %s as %s", cfg.Broker, id)
	return c, nil
}

func (p *publisher) publish(r sf05.Reading) error {
	b, err := payload(p.serial, r)
	if err != nil {
		return err
	}
	tok := p.client.Publish(p.topic, 0, false, b)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", p.topic)
	}
	return tok.Error()
}
