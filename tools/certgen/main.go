// Package main generates a self-signed development server certificate
// under the "certs" directory.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/akarpov/markvault/internal/certgen"
)

func main() {
	dir := "certs"
	_ = os.MkdirAll(dir, 0755)

	certPEM, keyPEM, err := certgen.GenerateServerCertificate("localhost")
	if err != nil {
		log.Fatalf("generate server certificate: %v", err)
	}
	if err := os.WriteFile(dir+"/server.crt", certPEM, 0644); err != nil {
		log.Fatalf("write server.crt: %v", err)
	}
	if err := os.WriteFile(dir+"/server.key", keyPEM, 0600); err != nil {
		log.Fatalf("write server.key: %v", err)
	}

	fmt.Println("certificates generated into ./certs")
}
