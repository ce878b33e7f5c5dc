// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlDocument is the on-disk shape of a service configuration file (spec
// §1/§6, "the configuration file parser" external collaborator realized
// concretely here with gopkg.in/yaml.v3, promoted from an indirect
// dependency in the teacher's own go.mod — see DESIGN.md).
type yamlDocument struct {
	Global   yamlGlobal    `yaml:"global"`
	Services []yamlService `yaml:"services"`
}

type yamlGlobal struct {
	ChrootDir  string `yaml:"chroot"`
	SetUID     int    `yaml:"setuid"`
	SetGID     int    `yaml:"setgid"`
	MaxClients int    `yaml:"maxClients"`
	PIDFile    string `yaml:"pidFile"`
}

type yamlService struct {
	Name           string             `yaml:"name"`
	Listen         []yamlEndpoint     `yaml:"listen"`
	Connect        []string           `yaml:"connect"`
	Exec           string             `yaml:"exec"`
	ExecArgs       []string           `yaml:"execArgs"`
	SessionTimeout string             `yaml:"sessionTimeout"`
	OwnerUID       int                `yaml:"ownerUid"`
	OwnerGID       int                `yaml:"ownerGid"`
	Retry          bool               `yaml:"retry"`
	RetryDelay     string             `yaml:"retryDelay"`
	TLSSlave       bool               `yaml:"tlsSlave"`
	TLS            *yamlTLSConfig     `yaml:"tls"`
}

type yamlEndpoint struct {
	Network string `yaml:"network"` // "tcp" or "unix"
	Address string `yaml:"address"`
}

type yamlTLSConfig struct {
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	ServerName string `yaml:"serverName"`
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

// YAMLConfigLoader implements [ConfigLoader] by reading and parsing a YAML
// service configuration file from Path on every [YAMLConfigLoader.Load]
// call, so a reload re-reads the file from disk.
type YAMLConfigLoader struct {
	Path string
}

var _ ConfigLoader = &YAMLConfigLoader{}

// Load implements [ConfigLoader].
func (l *YAMLConfigLoader) Load(ctx context.Context) (*ServiceList, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("tunneld: reading config %q: %w", l.Path, err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tunneld: parsing config %q: %w", l.Path, err)
	}

	sl := NewServiceList()
	sl.Global = GlobalOptions{
		ChrootDir:  doc.Global.ChrootDir,
		SetUID:     doc.Global.SetUID,
		SetGID:     doc.Global.SetGID,
		MaxClients: doc.Global.MaxClients,
		PIDFile:    doc.Global.PIDFile,
	}

	for _, ys := range doc.Services {
		svc, err := buildService(ys)
		if err != nil {
			return nil, fmt.Errorf("tunneld: service %q: %w", ys.Name, err)
		}
		sl.Link(svc)
	}
	return sl, nil
}

func buildService(ys yamlService) (*Service, error) {
	listen := make([]ListenEndpoint, 0, len(ys.Listen))
	for _, le := range ys.Listen {
		network := le.Network
		if network == "" {
			network = "tcp"
		}
		listen = append(listen, ListenEndpoint{Network: network, Address: le.Address})
	}

	remote := RemoteSpec{
		Addresses: ys.Connect,
		ExecName:  ys.Exec,
		ExecArgs:  ys.ExecArgs,
	}

	svc := NewService(ys.Name, listen, remote)
	svc.Owner = FileOwner{UID: ys.OwnerUID, GID: ys.OwnerGID}
	svc.TLSSlave = ys.TLSSlave

	if ys.SessionTimeout != "" {
		d, err := time.ParseDuration(ys.SessionTimeout)
		if err != nil {
			return nil, fmt.Errorf("sessionTimeout: %w", err)
		}
		svc.SessionTimeout = d
	}

	svc.Retry.Retry = ys.Retry
	if ys.RetryDelay != "" {
		d, err := time.ParseDuration(ys.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("retryDelay: %w", err)
		}
		svc.Retry.Delay = d
	}

	if ys.TLS != nil {
		cfg, err := buildTLSConfig(ys.TLS)
		if err != nil {
			return nil, err
		}
		svc.TLS = NewTLSContext(cfg)
	}

	return svc, nil
}

func buildTLSConfig(yt *yamlTLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         yt.ServerName,
		InsecureSkipVerify: yt.InsecureSkipVerify,
	}
	if yt.CertFile != "" && yt.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(yt.CertFile, yt.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
