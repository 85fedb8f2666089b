package phase

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/keyforge/internal/errors"
)

const defaultCheckEvery = 256

// Matcher reports whether candidate opens secret. What secret holds
// (a digest, a plaintext, a file path) is up to the matcher.
type Matcher func(candidate, secret string) bool

// SHA256Matcher compares the hex SHA-256 digest of candidate with secret.
// Case of the hex digits is ignored.
func SHA256Matcher(candidate, secret string) bool {
	sum := sha256.Sum256([]byte(candidate))
	want, err := hex.DecodeString(strings.TrimSpace(secret))
	if err != nil || len(want) != len(sum) {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

// EqualMatcher compares plaintext.
func EqualMatcher(candidate, secret string) bool {
	return candidate == secret
}

// Batch is the Payload.Data understood by CandidateList.
type Batch struct {
	Candidates []string `json:"candidates"`
	Secret     string   `json:"secret"`
}

// CandidateList tests each candidate of a Batch in order and stops at the
// first match.
type CandidateList struct {
	Match      Matcher
	CheckEvery int // candidates between context checks
}

// NewCandidateList returns a CandidateList using match.
func NewCandidateList(match Matcher) *CandidateList {
	return &CandidateList{Match: match, CheckEvery: defaultCheckEvery}
}

// Execute implements Executor.
func (c *CandidateList) Execute(ctx context.Context, p Payload) (Result, error) {
	var batch Batch
	switch d := p.Data.(type) {
	case Batch:
		batch = d
	case *Batch:
		if d == nil {
			return Result{}, errors.NewValidationError("nil candidate batch").WithField("data")
		}
		batch = *d
	default:
		return Result{}, errors.NewValidationError("payload is not a candidate batch").
			WithField("data").
			WithValue(fmt.Sprintf("%T", p.Data))
	}
	if c.Match == nil {
		return Result{}, errors.NewValidationError("no matcher configured").WithField("match")
	}

	every := c.CheckEvery
	if every <= 0 {
		every = defaultCheckEvery
	}

	res := Result{PhaseType: p.PhaseType}
	for i, cand := range batch.Candidates {
		if i%every == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		res.Attempts++
		if c.Match(cand, batch.Secret) {
			res.Found = true
			res.Password = cand
			return res, nil
		}
	}
	return res, nil
}

// ReadWordlist reads one candidate per line. Blank lines are skipped and
// trailing CR is trimmed.
func ReadWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open wordlist %s", path)
	}
	defer func() { _ = f.Close() }()

	var words []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		w := strings.TrimRight(scanner.Text(), "\r")
		if w == "" {
			continue
		}
		words = append(words, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read wordlist %s", path)
	}
	return words, nil
}

// Split cuts candidates into consecutive chunks of at most size elements.
// The chunks share the backing array of candidates.
func Split(candidates []string, size int) [][]string {
	if len(candidates) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(candidates)
	}
	chunks := make([][]string, 0, (len(candidates)+size-1)/size)
	for start := 0; start < len(candidates); start += size {
		end := min(start+size, len(candidates))
		chunks = append(chunks, candidates[start:end:end])
	}
	return chunks
}
