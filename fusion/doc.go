/*
Package fusion combines successful per-modality results into a single
output using one of three strategies.

Early (feature-level) fusion concatenates feature vectors in the canonical
modality order (text, image, audio, video; ties within a modality broken
by operation name), so the combined vector layout is reproducible for a
given modality set. Late (score-level) fusion computes a weighted sum per
named score key, renormalizing the configured weight table over the
modalities actually present so the combined score stays in a comparable
range no matter how many modalities participated. Hybrid runs both and
adds a merged view in which late-fusion keys take precedence.

Failed results never contribute to a combination pass; they are retained
on the FusionResult for traceability only. All arithmetic is IEEE-754
double precision.
*/
package fusion
