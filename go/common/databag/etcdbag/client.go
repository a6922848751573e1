// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package etcdbag implements databag.Conn on etcd v3. Versions are etcd
// ModRevisions, so conditional writes map onto transactions.
package etcdbag

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/tlsutil"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ClientConfig describes how to reach etcd.
type ClientConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	CertPath    string
	KeyPath     string
	CAPath      string
}

// NewClient dials etcd. The client is shared by the data plane, the
// leadership election and the membership record cleanup.
func NewClient(cfg ClientConfig) (*clientv3.Client, error) {
	config := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	tlscfg, err := newTLSConfig(cfg.CertPath, cfg.KeyPath, cfg.CAPath)
	if err != nil {
		return nil, err
	}
	config.TLS = tlscfg

	return clientv3.New(config)
}

func newTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tlsutil.NewCert(certPath, keyPath, nil)
	if err != nil {
		return nil, err
	}
	var cp *x509.CertPool
	if caPath != "" {
		cp, err = tlsutil.NewCertPool([]string{caPath})
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      cp,
		Certificates: []tls.Certificate{*cert},
	}, nil
}
