// Package engine содержит чистые функции, на которых строится цикл шагов.
//
// Включает:
//   - placeholders.go — вычисление плейсхолдеров из идентификаторов запуска,
//     последнего успешного результата шага и внешних параметров
//   - template.go     — рендеринг Go templates над плейсхолдерами
//   - validate.go     — валидация определения flow до запуска
//
// Пакет не выполняет I/O: всё, что нужно, передаётся аргументами.
package engine
