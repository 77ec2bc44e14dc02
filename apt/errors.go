package apt

import "fmt"

// SignatureInvalidError reports a bad signature over present release content.
// It is always fatal, regardless of the repository trust policy.
type SignatureInvalidError struct {
	Repo string
	Err  error
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature verification of %s failed: %v", e.Repo, e.Err)
}

func (e *SignatureInvalidError) Unwrap() error { return e.Err }

// UnsignedRepoError reports an unsigned repository used under a trust policy
// that requires signatures.
type UnsignedRepoError struct {
	Repo string
}

func (e *UnsignedRepoError) Error() string {
	return fmt.Sprintf("repository %s is unsigned and the trust policy does not allow that", e.Repo)
}

// ControlParseError reports a malformed control paragraph, with the offending
// paragraph attached for diagnosis.
type ControlParseError struct {
	Repo      string
	Paragraph string
	Err       error
}

func (e *ControlParseError) Error() string {
	return fmt.Sprintf("parsing package entry of %s: %v\n%s", e.Repo, e.Err, e.Paragraph)
}

func (e *ControlParseError) Unwrap() error { return e.Err }
