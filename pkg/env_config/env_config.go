package env_config

import (
	"fmt"
	"os"
)

var (
	TRACE_RECOVERY = checkTraceRecovery()
	CHECK_DIGEST   = checkDigest()
)

func checkTraceRecovery() bool {
	traceStr := os.Getenv("TRACE_RECOVERY")
	trace := traceStr == "true" || traceStr == "1"
	fmt.Fprintf(os.Stderr, "env str: %s, trace recovery: %v\n", traceStr, trace)
	return trace
}

func checkDigest() bool {
	digestStr := os.Getenv("CHECK_DIGEST")
	digest := digestStr == "" || digestStr == "true" || digestStr == "1"
	fmt.Fprintf(os.Stderr, "env str: %s, check result digest: %v\n", digestStr, digest)
	return digest
}
