// Package p11 provides thin helpers over github.com/miekg/pkcs11
// to initialize a token, log in, generate key pairs, sign and verify.
//
// Every helper is a single call (or a short fixed sequence of calls)
// into the PKCS#11 module; errors returned by the module are wrapped
// with the name of the failed call and remain the cause:
//
//	errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT))
package p11
