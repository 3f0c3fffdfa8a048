// check_cert diagnostica el certificado A1 configurado (NFE_CERT_*): lo decodifica, muestra
// titular, CNPJ y vigencia, y opcionalmente consulta el status de la SEFAZ con mTLS.
//
// Uso: go run ./cmd/check_cert [-status]
// La contraseña nunca se imprime.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	"github.com/jhoicas/nfe-api/internal/infrastructure/nfe/signer"
	"github.com/jhoicas/nfe-api/pkg/config"
	"github.com/jhoicas/nfe-api/pkg/logger"
)

func main() {
	queryStatus := flag.Bool("status", false, "consultar NFeStatusServico4 con el certificado")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("configuración", err)
	}
	log := logger.New(logger.Config{App: "check_cert", Env: "development", Level: cfg.App.LogLevel})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.NFe.TimeoutSeconds+5)*time.Second)
	defer cancel()

	fmt.Println("Diagnóstico de certificado NF-e")
	fmt.Println("-------------------------------")
	switch {
	case cfg.NFe.CertBase64 != "":
		fmt.Println("Origen: NFE_CERT_BASE64")
	case cfg.NFe.CertPath != "":
		fmt.Printf("Origen: %s\n", cfg.NFe.CertPath)
	default:
		fail("configuración", fmt.Errorf("defina NFE_CERT_PATH o NFE_CERT_BASE64"))
	}

	cert, err := load(ctx, cfg.NFe)
	if err != nil {
		fail("certificado", err)
	}
	leaf := cert.Leaf
	fmt.Printf("Titular:  %s\n", leaf.Subject.CommonName)
	fmt.Printf("Emisor:   %s\n", leaf.Issuer.CommonName)
	fmt.Printf("Vigencia: %s → %s (%d días restantes)\n",
		leaf.NotBefore.Format(time.DateOnly), leaf.NotAfter.Format(time.DateOnly),
		int(time.Until(leaf.NotAfter).Hours()/24))
	if cnpj := signer.CNPJFromCertificate(leaf); cnpj != "" {
		fmt.Printf("CNPJ:     %s\n", cnpj)
	} else {
		fmt.Println("CNPJ:     (el CommonName no sigue el formato e-CNPJ)")
	}

	if !*queryStatus {
		return
	}
	client := nfe.NewSOAPClient(nfe.NewEndpointCatalog(nil), log.Component("soap"),
		nfe.WithTimeout(time.Duration(cfg.NFe.TimeoutSeconds)*time.Second))
	st, err := client.QueryServiceStatus(ctx, nfe.StatusRequest{
		UF:          cfg.NFe.UF,
		Environment: cfg.NFe.Environment,
		Certificate: cert,
	})
	if err != nil {
		fail("status SEFAZ", err)
	}
	fmt.Printf("SEFAZ %s (tpAmb %s): [%s] %s\n", cfg.NFe.UF, cfg.NFe.Environment, st.StatusCode, st.Message)
}

func load(ctx context.Context, cfg config.NFeConfig) (tls.Certificate, error) {
	if cfg.CertBase64 != "" {
		p, err := signer.NewStaticProviderFromBase64(cfg.CertBase64, cfg.CertPassword)
		if err != nil {
			return tls.Certificate{}, err
		}
		return p.Load(ctx)
	}
	p := &signer.FileProvider{Password: cfg.CertPassword}
	if cfg.CertKeyPath != "" {
		p.CertPath, p.KeyPath = cfg.CertPath, cfg.CertKeyPath
	} else {
		p.PFXPath = cfg.CertPath
	}
	return p.Load(ctx)
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "\nERROR (%s): %v\n", step, err)
	os.Exit(1)
}
