package configfile

import (
	"fmt"
	"log"
	"math/bits"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/pathkeyfs/pathkeyfs/internal/cryptocore"
	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// ScryptDefaultLogN is used by -init unless -scryptn says otherwise.
	// N=2^16 needs 64 MiB of memory.
	ScryptDefaultLogN = 16
	// Lower bounds enforced on config files, so that an edited file cannot
	// weaken the password hash. r=8, p=1 are the RFC 7914 recommendations.
	scryptMinLogN    = 10
	scryptMinR       = 8
	scryptMinP       = 1
	scryptMinSaltLen = 32
)

// ScryptKDF holds the scrypt parameters stored in the config file. The
// password hash unlocks the master key of a sealed key store.
type ScryptKDF struct {
	Salt   []byte
	N      int
	R      int
	P      int
	KeyLen int
}

// NewScryptKDF returns parameters with a fresh salt and N=2^logN.
// logN <= 0 selects ScryptDefaultLogN.
func NewScryptKDF(logN int) ScryptKDF {
	if logN <= 0 {
		logN = ScryptDefaultLogN
	}
	return ScryptKDF{
		Salt:   cryptocore.RandBytes(scryptMinSaltLen),
		N:      1 << uint(logN),
		R:      scryptMinR,
		P:      scryptMinP,
		KeyLen: cryptocore.KeyLen,
	}
}

// DeriveKey hashes "pw". Exits with exitcodes.ScryptParams on weak
// parameters.
func (s *ScryptKDF) DeriveKey(pw []byte) []byte {
	if err := s.validateParams(); err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.ScryptParams)
	}
	k, err := scrypt.Key(pw, s.Salt, s.N, s.R, s.P, s.KeyLen)
	if err != nil {
		log.Panicf("scrypt: %v", err)
	}
	return k
}

// LogN returns log2(N).
func (s *ScryptKDF) LogN() int {
	if s.N <= 0 {
		return 0
	}
	return bits.Len(uint(s.N)) - 1
}

func (s *ScryptKDF) validateParams() error {
	checks := []struct {
		name      string
		have, min int
	}{
		{"N", s.N, 1 << scryptMinLogN},
		{"R", s.R, scryptMinR},
		{"P", s.P, scryptMinP},
		{"salt length", len(s.Salt), scryptMinSaltLen},
		{"KeyLen", s.KeyLen, cryptocore.KeyLen},
	}
	for _, c := range checks {
		if c.have < c.min {
			return fmt.Errorf("scrypt parameter %s too low: have %d, min %d", c.name, c.have, c.min)
		}
	}
	return nil
}
