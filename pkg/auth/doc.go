/*
Package auth verifies client bearer tokens and produces session principals.

A session presents a JWT once, in its first frame; the verifier checks the
signature and expiry and returns the Principal{Subject, Roles} that every
later permission decision is made against.

# Architecture

The verification scheme is selected from the configured secret material:

  - A PEM block configures RSA public-key verification (RS256)
  - Anything else is treated as a shared symmetric secret (HS256)

This keeps single-node development on a plain string secret while letting
production clusters distribute only the public key to coordinators.

Tokens use standard claims: sub becomes the principal's subject, a roles
claim (array of strings) becomes its role set. Expired or malformed tokens
fail closed.

# Integration Points

  - pkg/server: the router authenticates sessions and the access policy
    evaluates Principal roles per operation
*/
package auth
