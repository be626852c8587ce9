// Package wireformat defines the envelope that is the only unit placed on a
// bridge transport. Field names are part of the contract between host and
// guest contexts and must remain stable.
//
// Decode rejects anything that is not a well-formed envelope so callers can
// treat it as unrelated traffic and drop it silently.
package wireformat
