// ssl-agent drives a node through SSL bootstrap: obtaining a CA bundle,
// a CRL bundle, a key pair, a signed client certificate, and producing an
// SSLContext. It is the only place in this module that converts a
// terminal statemachine.Exit into an actual process exit; the state
// machine itself never calls os.Exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"

	"github.com/nodeagent/sslboot/caclient"
	"github.com/nodeagent/sslboot/certprovider"
	"github.com/nodeagent/sslboot/cmd"
	"github.com/nodeagent/sslboot/goodkey"
	"github.com/nodeagent/sslboot/statemachine"
)

const (
	defaultRSAKeySize     = 4096
	defaultRequestTimeout = 30 * time.Second
)

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this agent")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	scope, logger := cmd.StatsAndLogging(c.Syslog)
	defer logger.AuditPanic()
	logger.Info(cmd.VersionString())

	if c.MetricsListenAddr != "" {
		go cmd.MetricsServer(c.MetricsListenAddr)
	}

	go cmd.CatchSignals(logger, nil)

	weakKeys, err := goodkey.NewWeakKeyChecker(c.WeakKeyDir)
	cmd.FailOnError(err, "Loading weak key blacklist")

	rsaKeySize := c.RSAKeySize
	if rsaKeySize == 0 {
		rsaKeySize = defaultRSAKeySize
	}
	requestTimeout := c.RequestTimeout.Duration
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	provider := certprovider.New(certprovider.Paths{
		LocalCACert: c.LocalCACert,
		HostCRL:     c.HostCRL,
		HostPrivKey: c.HostPrivKey,
		HostCert:    c.HostCert,
	})
	ca := caclient.New(c.CAServerURL, requestTimeout, scope.NewScope("ca_client"), clock.Default())

	machine := statemachine.New(statemachine.Config{
		Certname:              c.Certname,
		DNSAltNames:           c.DNSAltNames,
		CSRAttributesPath:     c.CSRAttributes,
		CertificateRevocation: c.CertificateRevocationOrDefault(),
		WaitForCert:           c.WaitForCert.Duration,
		Onetime:               c.Onetime,
		RSAKeySize:            rsaKeySize,
	}, provider, ca, weakKeys, logger, clock.Default(), scope.NewScope("state_machine"))

	final := machine.Run(context.Background())
	switch st := final.(type) {
	case statemachine.Done:
		logger.Infof("bootstrap complete for %s", c.Certname)
		os.Exit(0)
	case statemachine.Exit:
		if st.Message != "" {
			if st.Fatal {
				fmt.Fprintln(os.Stderr, st.Message)
			} else {
				fmt.Println(st.Message)
			}
		}
		os.Exit(st.Code)
	}
}
